package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// DefaultConfigDirName is the directory created under the user's home when
// no config directory is given
const DefaultConfigDirName = ".anchorsync"

// DefaultShellURLs are the app shell paths prefetched at install time
var DefaultShellURLs = []string{"/", "/offline", "/manifest.json", "/icons/icon-192.png", "/icons/icon-512.png"}

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, DefaultConfigDirName)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	cfg.configDir = configDir

	defaultDBPath := filepath.Join(configDir, "anchorsync.db")
	defaultLogPath := filepath.Join(configDir, "anchorsync.log")
	defaultFallbackDir := filepath.Join(configDir, "fallback")

	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, EnvFileName)
	}

	// ENV_FILE_PATH overrides both the argument and the default location
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(configFilePath); err != nil {
			// Then try current directory as fallback
			_ = godotenv.Load()
		}
	}

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("ANCHORSYNC_DB_PATH", defaultDBPath),
		BusyTimeout:     getEnvInt("ANCHORSYNC_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("ANCHORSYNC_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("ANCHORSYNC_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("ANCHORSYNC_DB_CACHE_SIZE", -16000), // ~16MB
		ForeignKeys:     getEnvBool("ANCHORSYNC_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("ANCHORSYNC_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("ANCHORSYNC_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("ANCHORSYNC_LOG_LEVEL", "info"),
		Format:     getEnvString("ANCHORSYNC_LOG_FORMAT", "text"),
		Output:     getEnvString("ANCHORSYNC_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("ANCHORSYNC_LOG_ADD_SOURCE", false),
		TimeFormat: getTimeFormat(getEnvString("ANCHORSYNC_LOG_TIME_FORMAT", "RFC3339")),
		MaxSizeMB:  getEnvInt("ANCHORSYNC_LOG_MAX_SIZE_MB", 10),
		MaxBackups: getEnvInt("ANCHORSYNC_LOG_MAX_BACKUPS", 3),
		MaxAgeDays: getEnvInt("ANCHORSYNC_LOG_MAX_AGE_DAYS", 28),
		Compress:   getEnvBool("ANCHORSYNC_LOG_COMPRESS", false),
	}

	cfg.Server = ServerConfig{
		URL:        getEnvString("ANCHORSYNC_SERVER_URL", "http://localhost:3000"),
		Token:      getEnvString("ANCHORSYNC_SERVER_TOKEN", ""),
		Timeout:    getEnvDuration("ANCHORSYNC_SERVER_TIMEOUT", 30*time.Second),
		DeviceName: getEnvString("ANCHORSYNC_SERVER_DEVICE_NAME", ""),
		HealthPath: getEnvString("ANCHORSYNC_SERVER_HEALTH_PATH", "/api/health"),
	}

	cfg.Proxy = ProxyConfig{
		ListenAddr:        getEnvString("ANCHORSYNC_PROXY_LISTEN_ADDR", "127.0.0.1:8787"),
		ReadHeaderTimeout: getEnvDuration("ANCHORSYNC_PROXY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownTimeout:   getEnvDuration("ANCHORSYNC_PROXY_SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	cfg.Router = RouterConfig{
		RootStrategy:      getEnvString("ANCHORSYNC_ROUTER_ROOT_STRATEGY", "cache-first"),
		MaxCacheBody:      getEnvInt64("ANCHORSYNC_ROUTER_MAX_CACHE_BODY", 10<<20),
		RevalidateTimeout: getEnvDuration("ANCHORSYNC_ROUTER_REVALIDATE_TIMEOUT", 30*time.Second),
	}

	cfg.Sync = SyncConfig{
		AutoRetry:         getEnvBool("ANCHORSYNC_SYNC_AUTO_RETRY", true),
		MaxRetries:        getEnvInt("ANCHORSYNC_SYNC_MAX_RETRIES", 5),
		RetryInitial:      getEnvDuration("ANCHORSYNC_SYNC_RETRY_INITIAL", 30*time.Second),
		RetryMaxInterval:  getEnvDuration("ANCHORSYNC_SYNC_RETRY_MAX_INTERVAL", 30*time.Minute),
		RequestsPerMinute: getEnvInt("ANCHORSYNC_SYNC_REQUESTS_PER_MINUTE", 120),
		Burst:             getEnvInt("ANCHORSYNC_SYNC_BURST", 10),
		DrainTimeout:      getEnvDuration("ANCHORSYNC_SYNC_DRAIN_TIMEOUT", 5*time.Minute),
		ProbeInterval:     getEnvDuration("ANCHORSYNC_SYNC_PROBE_INTERVAL", 15*time.Second),
		PeriodicInterval:  getEnvDuration("ANCHORSYNC_SYNC_PERIODIC_INTERVAL", 10*time.Minute),
		SyncedRetention:   getEnvDuration("ANCHORSYNC_SYNC_SYNCED_RETENTION", 0),
	}

	cfg.Queue = QueueConfig{
		FallbackDir: getEnvString("ANCHORSYNC_QUEUE_FALLBACK_DIR", defaultFallbackDir),
	}

	cfg.Blob = BlobConfig{
		Backend:           getEnvString("ANCHORSYNC_BLOB_BACKEND", "http"),
		UploadPath:        getEnvString("ANCHORSYNC_BLOB_UPLOAD_PATH", "/upload"),
		MaxUploadSize:     getEnvInt64("ANCHORSYNC_BLOB_MAX_UPLOAD_SIZE", 25<<20),
		S3Bucket:          getEnvString("ANCHORSYNC_BLOB_S3_BUCKET", ""),
		S3Region:          getEnvString("ANCHORSYNC_BLOB_S3_REGION", "us-east-1"),
		S3Endpoint:        getEnvString("ANCHORSYNC_BLOB_S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnvString("ANCHORSYNC_BLOB_S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnvString("ANCHORSYNC_BLOB_S3_SECRET_ACCESS_KEY", ""),
		S3Prefix:          getEnvString("ANCHORSYNC_BLOB_S3_PREFIX", "photos/"),
		S3UsePathStyle:    getEnvBool("ANCHORSYNC_BLOB_S3_USE_PATH_STYLE", false),
		S3PublicURL:       getEnvString("ANCHORSYNC_BLOB_S3_PUBLIC_URL", ""),
	}

	cfg.Cache = CacheConfig{
		Prefix:      getEnvString("ANCHORSYNC_CACHE_PREFIX", "anchor"),
		Version:     getEnvString("ANCHORSYNC_CACHE_VERSION", "v1"),
		ShellURLs:   getEnvList("ANCHORSYNC_CACHE_SHELL_URLS", DefaultShellURLs),
		OfflinePath: getEnvString("ANCHORSYNC_CACHE_OFFLINE_PATH", "/offline"),
	}

	return cfg, cfg.Validate()
}
