package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store kinds accepted by ANCHOR_STORE.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	Store      string
	StoreDir   string
	StoreFsync bool
	StoreFlock bool
	SQLitePath string

	// If true, ANCHOR_STORE_NAME_KEY must be set (>= 32 bytes) and chain
	// file names are keyed digests of the anchor id.
	RequireNameKey bool

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	DBMigrate   bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	MetricsEnabled  bool
	APIMaxBodyBytes int64

	WSDevInsecure       bool
	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSSendQueueSize     int
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ANCHOR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ANCHOR_LOG_LEVEL", "info"),
		LogFormat: EnvString("ANCHOR_LOG_FORMAT", "json"),
		LogColor:  EnvBool("ANCHOR_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("ANCHOR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ANCHOR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ANCHOR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ANCHOR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("ANCHOR_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store:      strings.ToLower(EnvString("ANCHOR_STORE", StoreFile)),
		StoreDir:   EnvString("ANCHOR_STORE_DIR", "./data/anchors"),
		StoreFsync: EnvBool("ANCHOR_STORE_FSYNC", true),
		StoreFlock: EnvBool("ANCHOR_STORE_FLOCK", true),
		SQLitePath: EnvString("ANCHOR_SQLITE_PATH", "./data/anchors.db"),

		RequireNameKey: EnvBool("ANCHOR_REQUIRE_NAME_KEY", false),

		DatabaseURL: EnvString("ANCHOR_DATABASE_URL", ""),
		DBSchema:    EnvString("ANCHOR_DB_SCHEMA", "anchor"),
		DBMaxConns:  EnvInt32("ANCHOR_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("ANCHOR_DB_MIN_CONNS", 0),
		DBMigrate:   EnvBool("ANCHOR_DB_MIGRATE", true),

		ReadinessRequireDB: EnvBool("ANCHOR_READINESS_REQUIRE_DB", false),

		MetricsEnabled:  EnvBool("ANCHOR_METRICS_ENABLED", true),
		APIMaxBodyBytes: EnvInt64("ANCHOR_API_MAX_BODY_BYTES", 64<<10),

		WSDevInsecure:       EnvBool("ANCHOR_WS_DEV_INSECURE", false),
		WSOriginRequired:    EnvBool("ANCHOR_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:    EnvCSV("ANCHOR_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSWriteTimeout:      EnvDuration("ANCHOR_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("ANCHOR_WS_READ_IDLE_TIMEOUT", 60*time.Second),
		WSSendQueueSize:     EnvInt("ANCHOR_WS_SEND_QUEUE", 64),
		WSHeartbeatInterval: EnvDuration("ANCHOR_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("ANCHOR_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:        EnvInt("ANCHOR_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("ANCHOR_WS_RATE_WINDOW", 10*time.Second),
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreFile:
		if strings.TrimSpace(c.StoreDir) == "" {
			return errors.New("config: ANCHOR_STORE=file requires ANCHOR_STORE_DIR")
		}
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: ANCHOR_STORE=sqlite requires ANCHOR_SQLITE_PATH")
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: ANCHOR_STORE=postgres requires ANCHOR_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown ANCHOR_STORE %q", c.Store)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown ANCHOR_LOG_FORMAT %q", c.LogFormat)
	}

	if c.DBMinConns > c.DBMaxConns {
		return errors.New("config: ANCHOR_DB_MIN_CONNS exceeds ANCHOR_DB_MAX_CONNS")
	}
	return nil
}
