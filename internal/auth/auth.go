package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-market/internal/types"
	"github.com/ksred/klear-market/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Roles carried in the token.
const (
	RolePlayer     = "player"
	RoleGameServer = "game_server"
)

const (
	serverTokenTTL        = 24 * time.Hour
	DefaultPlayerTokenTTL = 12 * time.Hour
)

// Credentials are the game server's API key pair.
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse carries a signed token and when it stops being accepted.
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// PlayerTokenRequest asks for a token on behalf of a player the game server
// has already authenticated.
type PlayerTokenRequest struct {
	PlayerID    string `json:"player_id" binding:"required"`
	DisplayName string `json:"display_name"`
}

// Claims identify either a game server (ClientID) or a player (PlayerID).
type Claims struct {
	jwt.RegisteredClaims
	Role        string `json:"role"`
	ClientID    string `json:"client_id,omitempty"`
	PlayerID    string `json:"player_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Player returns the identity carried by a player token.
func (c *Claims) Player() types.Player {
	return types.Player{ID: c.PlayerID, DisplayName: c.DisplayName}
}

// Service signs and verifies marketplace tokens.
type Service struct {
	jwtSecret      []byte
	apiCredentials map[string]string // map[APIKey]APISecret
	now            func() time.Time
}

// NewService signs tokens with HMAC-SHA256 using jwtSecret.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		apiCredentials: make(map[string]string),
		now:            time.Now,
	}
}

// GenerateToken exchanges game-server API credentials for a 24 hour token.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creds.APIKey,
			ExpiresAt: jwt.NewNumericDate(now.Add(serverTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role:     RoleGameServer,
		ClientID: creds.APIKey,
	}
	return s.sign(claims)
}

// IssuePlayerToken mints a token for an authenticated player.
func (s *Service) IssuePlayerToken(player types.Player, ttl time.Duration) (*TokenResponse, error) {
	if player.ID == "" {
		return nil, types.NewValidationError("player_id", "is required")
	}
	if ttl <= 0 {
		ttl = DefaultPlayerTokenTTL
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   player.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role:        RolePlayer,
		PlayerID:    player.ID,
		DisplayName: player.DisplayName,
	}
	return s.sign(claims)
}

// ValidateToken verifies signature and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *Service) sign(claims Claims) (*TokenResponse, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) validateCredentials(creds Credentials) bool {
	secret, exists := s.apiCredentials[creds.APIKey]
	return exists && secret == creds.APISecret
}

// RegisterAPICredentials registers a game server key pair.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string) {
	s.apiCredentials[apiKey] = apiSecret
}

// GinHandlers exposes token issuance over HTTP.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler serves POST /auth/token for game servers.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// IssuePlayerTokenHandler lets the game server mint player tokens.
func (h *GinHandlers) IssuePlayerTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request PlayerTokenRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		player := types.Player{ID: request.PlayerID, DisplayName: request.DisplayName}
		token, err := h.service.IssuePlayerToken(player, DefaultPlayerTokenTTL)
		response.Handle(c, token, err)
	}
}
