// Package config loads process configuration from flags, KLEAR_ environment
// variables and an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "KLEAR"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	EventsNone  = "none"
	EventsNATS  = "nats"
	EventsRedis = "redis"
)

type Config struct {
	ServerAddr string
	Env        string
	Debug      bool

	DB     DBConfig
	Auth   AuthConfig
	Market MarketConfig
	Txn    TxnConfig
	Events EventsConfig
}

type DBConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

type AuthConfig struct {
	JWTSecret       string
	ServerAPIKey    string
	ServerAPISecret string
}

// MarketConfig holds the listing and bidding limits.
type MarketConfig struct {
	MinPrice           int64
	MaxPrice           int64
	MinAuctionDuration time.Duration
	MaxAuctionDuration time.Duration
	MinBidIncrement    int64
	SweepInterval      time.Duration
	SweepBatchSize     int
}

type TxnConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type EventsConfig struct {
	Driver            string
	NATSURL           string
	NATSSubjectPrefix string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisStream       string
}

// IsProduction reports whether the process runs with env=production.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ServerAddr: ":8080",
		Env:        "development",
		DB: DBConfig{
			Driver:       DriverSQLite,
			DSN:          "klear-market.db",
			MaxOpenConns: 10,
		},
		Auth: AuthConfig{
			JWTSecret:       "klear-secret-key",
			ServerAPIKey:    "test-api-key",
			ServerAPISecret: "test-api-secret",
		},
		Market: MarketConfig{
			MinPrice:           1,
			MaxPrice:           1_000_000_000,
			MinAuctionDuration: time.Minute,
			MaxAuctionDuration: 7 * 24 * time.Hour,
			MinBidIncrement:    1,
			SweepInterval:      5 * time.Second,
			SweepBatchSize:     100,
		},
		Txn: TxnConfig{
			MaxAttempts: 3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		},
		Events: EventsConfig{
			Driver:            EventsNone,
			NATSURL:           "nats://127.0.0.1:4222",
			NATSSubjectPrefix: "marketplace",
			RedisAddr:         "127.0.0.1:6379",
			RedisStream:       "klear-market-deliveries",
		},
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	d := Defaults()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	// server config
	fs.String("server-addr", d.ServerAddr, "HTTP listen address")
	fs.String("env", d.Env, "environment name; production disables console logging")
	fs.Bool("debug", d.Debug, "enable debug logging")

	// db config
	fs.String("db-driver", d.DB.Driver, "sqlite or postgres")
	fs.String("db-dsn", d.DB.DSN, "database DSN or sqlite file")
	fs.Int("db-max-open-conns", d.DB.MaxOpenConns, "connection pool size (sqlite always uses 1)")

	// auth config
	fs.String("jwt-secret", d.Auth.JWTSecret, "HMAC secret for tokens")
	fs.String("server-api-key", d.Auth.ServerAPIKey, "game server API key")
	fs.String("server-api-secret", d.Auth.ServerAPISecret, "game server API secret")

	// market config
	fs.Int64("market-min-price", d.Market.MinPrice, "lowest allowed price or starting bid")
	fs.Int64("market-max-price", d.Market.MaxPrice, "highest allowed price or starting bid")
	fs.Duration("market-min-auction-duration", d.Market.MinAuctionDuration, "")
	fs.Duration("market-max-auction-duration", d.Market.MaxAuctionDuration, "")
	fs.Int64("market-min-bid-increment", d.Market.MinBidIncrement, "amount a bid must beat the current bid by")
	fs.Duration("market-sweep-interval", d.Market.SweepInterval, "how often ended auctions are closed")
	fs.Int("market-sweep-batch-size", d.Market.SweepBatchSize, "")

	// txn config
	fs.Int("txn-max-attempts", d.Txn.MaxAttempts, "")
	fs.Duration("txn-base-backoff", d.Txn.BaseBackoff, "")
	fs.Duration("txn-max-backoff", d.Txn.MaxBackoff, "")

	// events config
	fs.String("events-driver", d.Events.Driver, "none, nats or redis")
	fs.String("nats-url", d.Events.NATSURL, "")
	fs.String("nats-subject-prefix", d.Events.NATSSubjectPrefix, "")
	fs.String("redis-addr", d.Events.RedisAddr, "")
	fs.String("redis-password", d.Events.RedisPassword, "")
	fs.Int("redis-db", d.Events.RedisDB, "")
	fs.String("redis-stream", d.Events.RedisStream, "")

	return fs
}

// Load parses args (without the program name). A .env file in the working
// directory is read first when present; real environment variables win over
// it and flags win over both.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	fs := newFlagSet("klear-market")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := Config{
		ServerAddr: v.GetString("server-addr"),
		Env:        v.GetString("env"),
		Debug:      v.GetBool("debug"),
		DB: DBConfig{
			Driver:       v.GetString("db-driver"),
			DSN:          v.GetString("db-dsn"),
			MaxOpenConns: v.GetInt("db-max-open-conns"),
		},
		Auth: AuthConfig{
			JWTSecret:       v.GetString("jwt-secret"),
			ServerAPIKey:    v.GetString("server-api-key"),
			ServerAPISecret: v.GetString("server-api-secret"),
		},
		Market: MarketConfig{
			MinPrice:           v.GetInt64("market-min-price"),
			MaxPrice:           v.GetInt64("market-max-price"),
			MinAuctionDuration: v.GetDuration("market-min-auction-duration"),
			MaxAuctionDuration: v.GetDuration("market-max-auction-duration"),
			MinBidIncrement:    v.GetInt64("market-min-bid-increment"),
			SweepInterval:      v.GetDuration("market-sweep-interval"),
			SweepBatchSize:     v.GetInt("market-sweep-batch-size"),
		},
		Txn: TxnConfig{
			MaxAttempts: v.GetInt("txn-max-attempts"),
			BaseBackoff: v.GetDuration("txn-base-backoff"),
			MaxBackoff:  v.GetDuration("txn-max-backoff"),
		},
		Events: EventsConfig{
			Driver:            v.GetString("events-driver"),
			NATSURL:           v.GetString("nats-url"),
			NATSSubjectPrefix: v.GetString("nats-subject-prefix"),
			RedisAddr:         v.GetString("redis-addr"),
			RedisPassword:     v.GetString("redis-password"),
			RedisDB:           v.GetInt("redis-db"),
			RedisStream:       v.GetString("redis-stream"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the marketplace cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, errors.New("server-addr is required"))
	}
	switch c.DB.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("db-driver %q is not supported", c.DB.Driver))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db-dsn is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt-secret is required"))
	}

	m := c.Market
	if m.MinPrice < 1 || m.MaxPrice < m.MinPrice {
		errs = append(errs, fmt.Errorf("price bounds [%d, %d] are invalid", m.MinPrice, m.MaxPrice))
	}
	if m.MinAuctionDuration <= 0 || m.MaxAuctionDuration < m.MinAuctionDuration {
		errs = append(errs, fmt.Errorf("auction duration bounds [%s, %s] are invalid", m.MinAuctionDuration, m.MaxAuctionDuration))
	}
	if m.MinBidIncrement < 1 {
		errs = append(errs, errors.New("market-min-bid-increment must be at least 1"))
	}
	if m.SweepInterval <= 0 || m.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("sweep interval and batch size must be positive"))
	}

	if c.Txn.MaxAttempts < 1 {
		errs = append(errs, errors.New("txn-max-attempts must be at least 1"))
	}
	if c.Txn.BaseBackoff <= 0 || c.Txn.MaxBackoff < c.Txn.BaseBackoff {
		errs = append(errs, errors.New("txn backoff bounds are invalid"))
	}

	switch c.Events.Driver {
	case EventsNone:
	case EventsNATS:
		if c.Events.NATSURL == "" {
			errs = append(errs, errors.New("nats-url is required for the nats events driver"))
		}
	case EventsRedis:
		if c.Events.RedisAddr == "" || c.Events.RedisStream == "" {
			errs = append(errs, errors.New("redis-addr and redis-stream are required for the redis events driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("events-driver %q is not supported", c.Events.Driver))
	}

	return errors.Join(errs...)
}
