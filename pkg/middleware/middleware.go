package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-market/internal/auth"
	"github.com/ksred/klear-market/internal/types"
	"github.com/ksred/klear-market/pkg/response"
	"golang.org/x/time/rate"
)

const (
	playerKey   = "player"
	clientIDKey = "clientID"
	claimsKey   = "claims"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits per endpoint type
var (
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	pollLimit    = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// RateLimiter keeps one token bucket per caller and route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	burst    int
}

func NewRateLimiter(burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		burst:    burst,
	}
}

func limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/listings"):
		return tradingLimit
	case strings.HasPrefix(path, "/api/v1/deliveries"):
		return pollLimit
	default:
		return rate.Inf
	}
}

func (rl *RateLimiter) getLimiter(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(limitFor(path), rl.burst),
		}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Sweep drops visitors idle for longer than maxIdle.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > maxIdle {
			delete(rl.visitors, key)
		}
	}
}

// Run sweeps idle visitors every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.Sweep(3 * time.Minute)
		}
	}
}

// Middleware limits requests by authenticated identity, falling back to the
// client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString(clientIDKey)
		if player, ok := CurrentPlayer(c); ok {
			clientID = player.ID
		}
		if clientID == "" {
			clientID = c.ClientIP()
		}

		if !rl.getLimiter(c.FullPath(), clientID).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// PlayerAuth admits requests carrying a valid player token and stores the
// player identity on the context.
func PlayerAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := validateAndExtractClaims(c, authService)
		if !ok {
			return
		}
		if claims.Role != auth.RolePlayer || claims.PlayerID == "" {
			response.Forbidden(c, "Player token required")
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		SetPlayer(c, claims.Player())
		c.Next()
	}
}

// GameServerAuth admits requests carrying a game server token.
func GameServerAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := validateAndExtractClaims(c, authService)
		if !ok {
			return
		}
		if claims.Role != auth.RoleGameServer {
			response.Forbidden(c, "Game server token required")
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Set(clientIDKey, claims.ClientID)
		c.Next()
	}
}

// SetPlayer stores the caller's identity on the context.
func SetPlayer(c *gin.Context, player types.Player) {
	c.Set(playerKey, player)
}

// CurrentPlayer returns the identity set by PlayerAuth.
func CurrentPlayer(c *gin.Context) (types.Player, bool) {
	value, exists := c.Get(playerKey)
	if !exists {
		return types.Player{}, false
	}
	player, ok := value.(types.Player)
	if !ok || player.ID == "" {
		return types.Player{}, false
	}
	return player, true
}

// ClientID returns the game server client id set by GameServerAuth.
func ClientID(c *gin.Context) string {
	return c.GetString(clientIDKey)
}

func validateAndExtractClaims(c *gin.Context, authService *auth.Service) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := authService.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}

	return claims, true
}
