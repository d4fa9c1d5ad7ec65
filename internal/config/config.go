// Package config handles loading and validating service configuration
// from a JSON file.
//
// Two binaries, two shapes: Config for the sync server and
// GatewayConfig for the federation gateway. Each file is read once at
// startup; changes require a restart. Zero-valued limit fields take the
// defaults of the component that consumes them.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Config holds the sync server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address (default ":8080").
	ListenAddr string `json:"listenAddr"`

	// InstanceID names this instance in cross-instance broadcasts and
	// federated console IDs (default "primary").
	InstanceID string `json:"instanceId"`

	// DBConn is the PostgreSQL host:port (e.g., "infra-postgres:5432").
	DBConn string `json:"dbConn"`

	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// AdminKey is a shared secret granting console privileges.
	// Clients send it as "Authorization: Bearer <adminKey>".
	AdminKey string `json:"adminKey"`

	// JWTSecret signs and verifies sync access tokens (HS256).
	JWTSecret string `json:"jwtSecret"`

	// JWTIssuer is the expected token issuer (default "syncular").
	JWTIssuer string `json:"jwtIssuer"`

	// LogLevel is the zerolog level name (default "info").
	LogLevel string `json:"logLevel"`

	// LogJSON switches from console output to JSON lines.
	LogJSON bool `json:"logJson"`

	// NATSUrl connects the cross-instance broadcaster. Empty runs the
	// instance standalone.
	NATSUrl string `json:"natsUrl,omitempty"`

	// RecordPayloads retains request/response bodies alongside request
	// events, truncated past the recorder's byte cap.
	RecordPayloads bool `json:"recordPayloads,omitempty"`

	// Dev runs against the in-memory store; the database fields are
	// ignored. Data does not survive a restart.
	Dev bool `json:"dev,omitempty"`

	Sync        SyncLimits        `json:"sync"`
	Realtime    RealtimeLimits    `json:"realtime"`
	RateLimit   RateLimits        `json:"rateLimit"`
	Maintenance MaintenanceConfig `json:"maintenance"`

	// Tables configures per-table scope derivation fields. Tables not
	// listed fall back to DefaultScopeFields.
	Tables             []TableScopes `json:"tables,omitempty"`
	DefaultScopeFields []string      `json:"defaultScopeFields,omitempty"`
}

// SyncLimits caps the combined sync endpoint. Zero fields take the
// engine defaults.
type SyncLimits struct {
	MaxOperationsPerPush int `json:"maxOperationsPerPush"` // default 200
	MaxSubscriptions     int `json:"maxSubscriptions"`     // default 200
	MaxLimitCommits      int `json:"maxLimitCommits"`      // default 100
	DefaultLimitCommits  int `json:"defaultLimitCommits"`  // default 100
	MaxSnapshotRows      int `json:"maxSnapshotRows"`      // default 5000
	DefaultSnapshotRows  int `json:"defaultSnapshotRows"`  // default 1000
	MaxSnapshotPages     int `json:"maxSnapshotPages"`     // default 10
	DefaultSnapshotPages int `json:"defaultSnapshotPages"` // default 5
	ChunkTTLMinutes      int `json:"chunkTtlMinutes"`      // default 15
}

// RealtimeLimits caps WebSocket registrations.
type RealtimeLimits struct {
	MaxConnectionsTotal     int `json:"maxConnectionsTotal"`     // default 5000
	MaxConnectionsPerClient int `json:"maxConnectionsPerClient"` // default 3
}

// RateLimits are per-principal request budgets over a one-minute
// window, one budget per route class.
type RateLimits struct {
	SyncPerMinute    int `json:"syncPerMinute"`    // default 600
	ConsolePerMinute int `json:"consolePerMinute"` // default 240
}

// MaintenanceConfig drives the background storage housekeeping. Zero
// fields take the maintenance defaults; KeepNewestCommits -1 disables
// the keep-newest protection.
type MaintenanceConfig struct {
	AutoPruneIntervalMs     int64 `json:"autoPruneIntervalMs"`     // default 300000 (5 min)
	CursorActiveWindowMs    int64 `json:"cursorActiveWindowMs"`    // default 86400000 (24 h)
	PruneFallbackMaxAgeMs   int64 `json:"pruneFallbackMaxAgeMs"`   // default 30 d
	KeepNewestCommits       int   `json:"keepNewestCommits"`       // default 1000
	FullHistoryHours        int   `json:"fullHistoryHours"`        // default 168
	RequestEventsMaxAgeMs   int64 `json:"requestEventsMaxAgeMs"`   // default 7 d
	RequestEventsMaxRows    int   `json:"requestEventsMaxRows"`    // default 10000
	OperationEventsMaxAgeMs int64 `json:"operationEventsMaxAgeMs"` // default 30 d
	OperationEventsMaxRows  int   `json:"operationEventsMaxRows"`  // default 5000
}

// TableScopes names the row fields one table derives its scopes from.
type TableScopes struct {
	Table  string   `json:"table"`
	Fields []string `json:"scopeFields"`
}

// Load reads and parses the sync server configuration. It returns an
// error if the file cannot be read, parsed, or is missing required
// fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "primary"
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "syncular"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	if !c.Dev {
		switch {
		case c.DBConn == "":
			return fmt.Errorf("config: dbConn is required")
		case c.DBName == "":
			return fmt.Errorf("config: dbName is required")
		case c.DBUser == "":
			return fmt.Errorf("config: dbUser is required")
		case c.DBPass == "":
			return fmt.Errorf("config: dbPass is required")
		}
	}
	switch {
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: jwtSecret is required")
	}
	for i, t := range c.Tables {
		if t.Table == "" {
			return fmt.Errorf("config: tables[%d]: table is required", i)
		}
		if len(t.Fields) == 0 {
			return fmt.Errorf("config: tables[%d] (%s): scopeFields is required", i, t.Table)
		}
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

// Instance is one downstream sync server the gateway aggregates.
type Instance struct {
	// InstanceID is the stable identifier used in federated IDs.
	InstanceID string `json:"instanceId"`

	// Label is the display name shown by the console.
	Label string `json:"label"`

	// BaseURL is the instance root, e.g. "http://sync-eu-1:8080".
	BaseURL string `json:"baseUrl"`

	// Token, when set, replaces the caller's bearer on downstream
	// requests. Health probes and live-event fan-in always use it.
	Token string `json:"token,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

// IsEnabled reports whether the gateway should target this instance.
func (i Instance) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// GatewayConfig holds the federation gateway configuration.
type GatewayConfig struct {
	// ListenAddr is the HTTP listen address (default ":8081").
	ListenAddr string `json:"listenAddr"`

	// LogLevel is the zerolog level name (default "info").
	LogLevel string `json:"logLevel"`

	// LogJSON switches from console output to JSON lines.
	LogJSON bool `json:"logJson"`

	// RequestTimeoutMs bounds each downstream HTTP call (default 15000).
	RequestTimeoutMs int64 `json:"requestTimeoutMs"`

	Instances []Instance `json:"instances"`
}

// LoadGateway reads and parses the gateway configuration.
func LoadGateway(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg GatewayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8081"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 15000
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks instance entries for the mistakes that otherwise
// surface as confusing downstream failures.
func (c *GatewayConfig) validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("config: at least one instance is required")
	}
	seen := make(map[string]struct{}, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.InstanceID == "" {
			return fmt.Errorf("config: instances[%d]: instanceId is required", i)
		}
		if _, dup := seen[inst.InstanceID]; dup {
			return fmt.Errorf("config: duplicate instanceId %q", inst.InstanceID)
		}
		seen[inst.InstanceID] = struct{}{}

		if inst.BaseURL == "" {
			return fmt.Errorf("config: instances[%d] (%s): baseUrl is required", i, inst.InstanceID)
		}
		u, err := url.Parse(inst.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: instances[%d] (%s): baseUrl %q is not an absolute URL", i, inst.InstanceID, inst.BaseURL)
		}
	}
	return nil
}
