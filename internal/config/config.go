// Package config loads fsmdb's runtime configuration from environment
// variables, following the env-var-driven Config/Load()/Validate()
// pattern this codebase has always used (no config-file parser is
// pulled in anywhere in the stack).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the complete recognized option table (§6 of the spec).
type Config struct {
	Network    NetworkConfig    `json:"network"`
	Storage    StorageConfig    `json:"storage"`
	Auth       AuthConfig       `json:"auth"`
	TLS        TLSConfig        `json:"tls"`
	Compaction CompactionConfig `json:"compaction"`
	Metrics    MetricsConfig    `json:"metrics"`
	Archive    ArchiveConfig    `json:"archive"`
	Export     ExportConfig     `json:"export"`
	AdminHTTP  AdminHTTPConfig  `json:"admin_http"`
}

// NetworkConfig controls the RCPX TCP listener.
type NetworkConfig struct {
	BindAddr        string `json:"bind_addr"`
	IdleTimeoutSecs int    `json:"idle_timeout_secs"`
	MaxConnections  int    `json:"max_connections"`
}

// StorageConfig controls the WAL/snapshot data directory and rotation.
type StorageConfig struct {
	DataDir             string `json:"data_dir"`
	WALSegmentSizeMB    int64  `json:"wal_segment_size_mb"`
	FsyncPolicy         string `json:"fsync_policy"` // EveryWrite | EveryN(n) | EveryMs(d) | Never
	MaxMachineVersions  int    `json:"max_machine_versions"`
	IdempotencyCacheCap int    `json:"idempotency_cache_cap"`
}

// AuthConfig controls the protocol-level AUTH bearer-token handshake.
type AuthConfig struct {
	Required     bool     `json:"required"`
	TokenHashes  []string `json:"token_hashes"`  // sha256 hex
	SecretsFile  string   `json:"secrets_file"`  // one hash per line, appended to TokenHashes
}

// TLSConfig controls the transport-layer wrapper (outside the protocol).
type TLSConfig struct {
	Enabled           bool   `json:"enabled"`
	CertPath          string `json:"cert_path"`
	KeyPath           string `json:"key_path"`
	RequireClientCert bool   `json:"require_client_cert"`
	ClientCAPath      string `json:"client_ca_path"`
}

// CompactionConfig controls the auto-compaction trigger.
type CompactionConfig struct {
	Enabled          bool  `json:"enabled"`
	EventsThreshold  int64 `json:"events_threshold"`
	SizeThresholdMB  int64 `json:"size_threshold_mb"`
	MinIntervalSecs  int64 `json:"min_interval_secs"`
}

// MetricsConfig is the out-of-core-scope metrics collaborator surface.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	BindAddr string `json:"bind_addr"`
}

// ArchiveConfig controls optional S3 cold-archival of the WAL segments
// that compaction would otherwise delete.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Bucket  string `json:"bucket"`
	Region  string `json:"region"`
	Prefix  string `json:"prefix"`
}

// ExportConfig holds Parquet event-history export settings. fsmctl
// export-events does not read it; it takes its output path from its own
// --output flag.
type ExportConfig struct {
	OutputDir    string `json:"output_dir"`
	RowGroupSize int64  `json:"row_group_size"`
}

// AdminHTTPConfig controls the gin-based operator HTTP surface.
type AdminHTTPConfig struct {
	Enabled   bool   `json:"enabled"`
	BindAddr  string `json:"bind_addr"`
	JWTSecret string `json:"jwt_secret"`
}

// Load reads configuration from environment variables, applying the
// same defaults a freshly unpacked install would ship with.
func Load() (*Config, error) {
	cfg := &Config{
		Network: NetworkConfig{
			BindAddr:        getEnvString("FSMDB_BIND_ADDR", ":7401"),
			IdleTimeoutSecs: getEnvInt("FSMDB_IDLE_TIMEOUT_SECS", 300),
			MaxConnections:  getEnvInt("FSMDB_MAX_CONNECTIONS", 1000),
		},
		Storage: StorageConfig{
			DataDir:             getEnvString("FSMDB_DATA_DIR", "./data"),
			WALSegmentSizeMB:    getEnvInt64("FSMDB_WAL_SEGMENT_SIZE_MB", 64),
			FsyncPolicy:         getEnvString("FSMDB_FSYNC_POLICY", "EveryWrite"),
			MaxMachineVersions:  getEnvInt("FSMDB_MAX_MACHINE_VERSIONS", 0),
			IdempotencyCacheCap: getEnvInt("FSMDB_IDEMPOTENCY_CACHE_CAP", 100000),
		},
		Auth: AuthConfig{
			Required:    getEnvBool("FSMDB_AUTH_REQUIRED", false),
			TokenHashes: getEnvStringSlice("FSMDB_AUTH_TOKEN_HASHES", nil),
			SecretsFile: getEnvString("FSMDB_AUTH_SECRETS_FILE", ""),
		},
		TLS: TLSConfig{
			Enabled:           getEnvBool("FSMDB_TLS_ENABLED", false),
			CertPath:          getEnvString("FSMDB_TLS_CERT_PATH", ""),
			KeyPath:           getEnvString("FSMDB_TLS_KEY_PATH", ""),
			RequireClientCert: getEnvBool("FSMDB_TLS_REQUIRE_CLIENT_CERT", false),
			ClientCAPath:      getEnvString("FSMDB_TLS_CLIENT_CA_PATH", ""),
		},
		Compaction: CompactionConfig{
			Enabled:         getEnvBool("FSMDB_COMPACTION_ENABLED", true),
			EventsThreshold: getEnvInt64("FSMDB_COMPACTION_EVENTS_THRESHOLD", 10000),
			SizeThresholdMB: getEnvInt64("FSMDB_COMPACTION_SIZE_THRESHOLD_MB", 512),
			MinIntervalSecs: getEnvInt64("FSMDB_COMPACTION_MIN_INTERVAL_SECS", 60),
		},
		Metrics: MetricsConfig{
			Enabled:  getEnvBool("FSMDB_METRICS_ENABLED", false),
			BindAddr: getEnvString("FSMDB_METRICS_BIND_ADDR", ":9401"),
		},
		Archive: ArchiveConfig{
			Enabled: getEnvBool("FSMDB_ARCHIVE_ENABLED", false),
			Bucket:  getEnvString("FSMDB_ARCHIVE_BUCKET", ""),
			Region:  getEnvString("FSMDB_ARCHIVE_REGION", "us-east-1"),
			Prefix:  getEnvString("FSMDB_ARCHIVE_PREFIX", "fsmdb"),
		},
		Export: ExportConfig{
			OutputDir:    getEnvString("FSMDB_EXPORT_OUTPUT_DIR", "./export"),
			RowGroupSize: getEnvInt64("FSMDB_EXPORT_ROW_GROUP_SIZE", 8192),
		},
		AdminHTTP: AdminHTTPConfig{
			Enabled:   getEnvBool("FSMDB_ADMIN_HTTP_ENABLED", false),
			BindAddr:  getEnvString("FSMDB_ADMIN_HTTP_BIND_ADDR", ":7402"),
			JWTSecret: getEnvString("FSMDB_ADMIN_JWT_SECRET", "change-me"),
		},
	}

	if cfg.Auth.SecretsFile != "" {
		hashes, err := readSecretsFile(cfg.Auth.SecretsFile)
		if err != nil {
			return nil, fmt.Errorf("reading auth secrets_file: %w", err)
		}
		cfg.Auth.TokenHashes = append(cfg.Auth.TokenHashes, hashes...)
	}

	return cfg, nil
}

func readSecretsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return split(value, ",")
	}
	return defaultValue
}

func split(s string, sep string) []string {
	var result []string
	for _, v := range strings.Split(s, sep) {
		if len(v) > 0 {
			result = append(result, v)
		}
	}
	return result
}

// String returns a pretty-printed JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if c.Storage.WALSegmentSizeMB <= 0 {
		return fmt.Errorf("storage.wal_segment_size_mb must be positive")
	}
	switch {
	case c.Storage.FsyncPolicy == "EveryWrite", c.Storage.FsyncPolicy == "Never":
	case strings.HasPrefix(c.Storage.FsyncPolicy, "EveryN("), strings.HasPrefix(c.Storage.FsyncPolicy, "EveryMs("):
	default:
		return fmt.Errorf("invalid storage.fsync_policy: %s", c.Storage.FsyncPolicy)
	}
	if c.Network.MaxConnections <= 0 {
		return fmt.Errorf("network.max_connections must be positive")
	}
	if c.Auth.Required && len(c.Auth.TokenHashes) == 0 {
		return fmt.Errorf("auth.required is set but no token_hashes configured")
	}
	if c.TLS.Enabled && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return fmt.Errorf("tls.enabled requires cert_path and key_path")
	}
	return nil
}
