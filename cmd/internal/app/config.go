package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatroomz/cmd/internal/chatapi"
	"chatroomz/cmd/internal/realtime"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
// List values are separated by '|' or ','.
type Config struct {
	HTTPAddr  string `env:"CHATROOMZ_HTTP_ADDR,default=0.0.0.0:8080"`
	LogLevel  string `env:"CHATROOMZ_LOG_LEVEL,default=info"`
	LogFormat string `env:"CHATROOMZ_LOG_FORMAT,default=json"`

	ReadHeaderTimeout time.Duration `env:"CHATROOMZ_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"CHATROOMZ_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `env:"CHATROOMZ_HTTP_WRITE_TIMEOUT,default=15s"`
	IdleTimeout       time.Duration `env:"CHATROOMZ_HTTP_IDLE_TIMEOUT,default=60s"`
	ShutdownTimeout   time.Duration `env:"CHATROOMZ_HTTP_SHUTDOWN_TIMEOUT,default=10s"`
	MaxHeaderBytes    int           `env:"CHATROOMZ_HTTP_MAX_HEADER_BYTES,default=1048576"`
	MaxBodyBytes      int           `env:"CHATROOMZ_HTTP_MAX_BODY_BYTES,default=16384"`
	PostRateEvents    int           `env:"CHATROOMZ_HTTP_POST_RATE_EVENTS,default=60"`
	PostRateWindow    time.Duration `env:"CHATROOMZ_HTTP_POST_RATE_WINDOW,default=1m"`
	TrustProxy        bool          `env:"CHATROOMZ_HTTP_TRUST_PROXY,default=false"`

	// Postgres wins over badger; with neither, messages live in memory.
	DatabaseURL string `env:"CHATROOMZ_DATABASE_URL"`
	DBSchema    string `env:"CHATROOMZ_DB_SCHEMA,default=chatroomz"`
	DBMaxConns  int    `env:"CHATROOMZ_DB_MAX_CONNS,default=10"`
	DBMinConns  int    `env:"CHATROOMZ_DB_MIN_CONNS,default=0"`
	BadgerDir   string `env:"CHATROOMZ_BADGER_DIR"`

	DBConnectTimeout    time.Duration `env:"CHATROOMZ_DB_CONNECT_TIMEOUT,default=3s"`
	DBHealthCheckPeriod time.Duration `env:"CHATROOMZ_DB_HEALTH_CHECK_PERIOD,default=30s"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"CHATROOMZ_READINESS_REQUIRE_DB,default=false"`

	// DefaultChannel is created on start when the store has no channels.
	DefaultChannel string `env:"CHATROOMZ_DEFAULT_CHANNEL,default=general"`
	HistoryLimit   int    `env:"CHATROOMZ_HISTORY_LIMIT,default=500"`

	WSDevInsecure       bool          `env:"CHATROOMZ_WS_DEV_INSECURE,default=false"`
	WSOriginRequired    bool          `env:"CHATROOMZ_WS_ORIGIN_REQUIRED,default=true"`
	WSAllowedOrigins    string        `env:"CHATROOMZ_WS_ALLOWED_ORIGINS,default=http://localhost|http://127.0.0.1"`
	WSWriteTimeout      time.Duration `env:"CHATROOMZ_WS_WRITE_TIMEOUT,default=5s"`
	WSReadIdleTimeout   time.Duration `env:"CHATROOMZ_WS_READ_IDLE_TIMEOUT,default=2m"`
	WSSendQueueSize     int           `env:"CHATROOMZ_WS_SEND_QUEUE,default=256"`
	WSHeartbeatInterval time.Duration `env:"CHATROOMZ_WS_HEARTBEAT_INTERVAL,default=25s"`
	WSHeartbeatTimeout  time.Duration `env:"CHATROOMZ_WS_HEARTBEAT_TIMEOUT,default=5s"`
	WSRateEvents        int           `env:"CHATROOMZ_WS_RATE_EVENTS,default=120"`
	WSRateWindow        time.Duration `env:"CHATROOMZ_WS_RATE_WINDOW,default=10s"`
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("CHATROOMZ_HTTP_ADDR is empty"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("CHATROOMZ_LOG_FORMAT %q: want json, text or pretty", c.LogFormat))
	}
	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		errs = append(errs, fmt.Errorf("CHATROOMZ_DB_MIN_CONNS %d out of range", c.DBMinConns))
	}
	if c.DBConnectTimeout < 0 || c.DBHealthCheckPeriod < 0 {
		errs = append(errs, errors.New("CHATROOMZ_DB_CONNECT_TIMEOUT and CHATROOMZ_DB_HEALTH_CHECK_PERIOD must not be negative"))
	}
	if c.WSOriginRequired && !c.WSDevInsecure && len(c.AllowedOrigins()) == 0 {
		errs = append(errs, errors.New("CHATROOMZ_WS_ALLOWED_ORIGINS is empty while origins are required"))
	}
	return errors.Join(errs...)
}

// AllowedOrigins splits WSAllowedOrigins.
func (c Config) AllowedOrigins() []string {
	return strings.FieldsFunc(c.WSAllowedOrigins, func(r rune) bool {
		return r == '|' || r == ',' || r == ' '
	})
}

// Gateway returns the websocket gateway settings.
func (c Config) Gateway() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.AllowedOrigins(),
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}

// API returns the HTTP API settings.
func (c Config) API() chatapi.Config {
	cfg := chatapi.DefaultConfig()
	if c.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = int64(c.MaxBodyBytes)
	}
	if c.HistoryLimit >= 0 {
		cfg.HistoryLimit = c.HistoryLimit
	}
	cfg.PostRateEvents = c.PostRateEvents
	cfg.PostRateWindow = c.PostRateWindow
	cfg.TrustProxy = c.TrustProxy
	return cfg
}
