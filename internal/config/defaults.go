package config

import "time"

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           4000,
			SiteURL:        "http://localhost:4000",
			DataDir:        "./data",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxBodySize:    32 << 20,
			BackupInterval: 0,
			LogsRetention:  7 * 24 * time.Hour,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "CSRF-Token", "Refresh-Token"},
				MaxAge:         10 * time.Minute,
			},
		},
		Database: DatabaseConfig{
			BusyTimeout:    5 * time.Second,
			CacheSize:      -64000,
			ReadPoolSize:   4,
			WriterRetries:  200,
			WriterRetryGap: 500 * time.Microsecond,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  60 * time.Minute,
			RefreshTokenTTL: 30 * 24 * time.Hour,
			AuthCodeTTL:     5 * time.Minute,
			OTPTTL:          10 * time.Minute,
			OTPRateLimit:    60 * time.Second,
			Password: PasswordConfig{
				MinLength:        8,
				RequireLowercase: true,
				RequireNumber:    true,
			},
		},
		Storage: StorageConfig{
			Backend: "filesystem",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ListLimitCeiling is the hard cap applied to record listings when an API
// does not configure its own.
const ListLimitCeiling = 1024
