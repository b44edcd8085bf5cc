// Package config provides configuration management for Quarry.
package config

import (
	"time"
)

// Config is the root configuration structure for Quarry.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Email      EmailConfig       `mapstructure:"email"`
	Storage    StorageConfig     `mapstructure:"storage"`
	RecordAPIs []RecordAPIConfig `mapstructure:"record_apis"`
	Schemas    []SchemaConfig    `mapstructure:"schemas"`
	Jobs       []JobConfig       `mapstructure:"jobs"`
	GeoIP      GeoIPConfig       `mapstructure:"geoip"`
	Logging    LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Public site URL used in redirects and emails
	SiteURL string `mapstructure:"site_url"`

	// Data directory root (databases, migrations, uploads, backups)
	DataDir string `mapstructure:"data_dir"`

	// Enable CORS
	CORS CORSConfig `mapstructure:"cors"`

	// Request timeouts
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// Backup job period; zero disables periodic backups
	BackupInterval time.Duration `mapstructure:"backup_interval"`

	// Retention window for the request-log table
	LogsRetention time.Duration `mapstructure:"logs_retention"`
}

// CORSConfig holds CORS settings. Origins may contain glob patterns.
type CORSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	// Busy timeout applied via PRAGMA
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Cache size for PRAGMA cache_size (negative for KiB, positive for pages)
	CacheSize int `mapstructure:"cache_size"`

	// Number of read-only connections serving queries
	ReadPoolSize int `mapstructure:"read_pool_size"`

	// Retry budget while the writer is busy
	WriterRetries  int           `mapstructure:"writer_retries"`
	WriterRetryGap time.Duration `mapstructure:"writer_retry_gap"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Access token lifetime (signed JWT)
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`

	// Refresh token lifetime (server-side session row)
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`

	// Authorization code lifetime for the PKCE flow
	AuthCodeTTL time.Duration `mapstructure:"auth_code_ttl"`

	// OTP code lifetime and per-user request rate limit
	OTPTTL       time.Duration `mapstructure:"otp_ttl"`
	OTPRateLimit time.Duration `mapstructure:"otp_rate_limit"`

	// Password requirements
	Password PasswordConfig `mapstructure:"password"`

	// Disable password login entirely (OAuth/OTP only)
	DisablePasswordAuth bool `mapstructure:"disable_password_auth"`

	// OAuth providers keyed by name
	OAuth map[string]OAuthProviderConfig `mapstructure:"oauth"`
}

// PasswordConfig holds password policy settings.
type PasswordConfig struct {
	MinLength        int  `mapstructure:"min_length"`
	RequireUppercase bool `mapstructure:"require_uppercase"`
	RequireLowercase bool `mapstructure:"require_lowercase"`
	RequireNumber    bool `mapstructure:"require_number"`
	RequireSpecial   bool `mapstructure:"require_special"`
}

// OAuthProviderConfig holds settings for a single OAuth provider.
type OAuthProviderConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	UserInfoURL  string   `mapstructure:"user_info_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// EmailConfig holds SMTP settings for outbound mail.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// StorageConfig holds object-store settings.
type StorageConfig struct {
	// "filesystem" or "s3"
	Backend string `mapstructure:"backend"`

	// Filesystem root; defaults to <data-dir>/uploads
	Path string `mapstructure:"path"`

	// Transparent gzip compression of stored blobs
	Compress bool `mapstructure:"compress"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible backend settings.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// RecordAPIConfig binds a named CRUD surface to a table or view.
type RecordAPIConfig struct {
	Name      string `mapstructure:"name"`
	TableName string `mapstructure:"table_name"`

	// Request classes allowed without / with authentication. Entries are
	// operation names: create, read, update, delete, schema.
	ACLWorld         []string `mapstructure:"acl_world"`
	ACLAuthenticated []string `mapstructure:"acl_authenticated"`

	// Per-operation boolean SQL access rules
	CreateRule string `mapstructure:"create_access_rule"`
	ReadRule   string `mapstructure:"read_access_rule"`
	UpdateRule string `mapstructure:"update_access_rule"`
	DeleteRule string `mapstructure:"delete_access_rule"`
	SchemaRule string `mapstructure:"schema_access_rule"`

	// "reject" (default), "replace", or "ignore"
	ConflictResolution string `mapstructure:"conflict_resolution"`

	// Substitute the caller's id into absent FK-to-_user columns
	AutofillMissingUserIDColumns bool `mapstructure:"autofill_missing_user_id_columns"`

	// FK columns eligible for response expansion
	Expand []string `mapstructure:"expand"`

	// Listing hard ceiling; zero means the global default
	ListLimit int `mapstructure:"list_limit"`
}

// SchemaConfig registers a named JSON schema.
type SchemaConfig struct {
	Name   string `mapstructure:"name"`
	Schema string `mapstructure:"schema"`
}

// JobConfig declares a user cron job dispatched to a named handler.
type JobConfig struct {
	ID      string `mapstructure:"id"`
	Spec    string `mapstructure:"spec"`
	Handler string `mapstructure:"handler"`
}

// GeoIPConfig points at an optional MaxMind database file.
type GeoIPConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// FindRecordAPI returns the record API config with the given name.
func (c *Config) FindRecordAPI(name string) (*RecordAPIConfig, bool) {
	for i := range c.RecordAPIs {
		if c.RecordAPIs[i].Name == name {
			return &c.RecordAPIs[i], true
		}
	}
	return nil, false
}
