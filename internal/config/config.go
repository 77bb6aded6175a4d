package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete agent configuration
type Config struct {
	Database  DatabaseConfig
	Logging   LoggingConfig
	Server    ServerConfig
	Proxy     ProxyConfig
	Router    RouterConfig
	Sync      SyncConfig
	Queue     QueueConfig
	Blob      BlobConfig
	Cache     CacheConfig
	configDir string // Internal: Directory where config was loaded from
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
	MaxSizeMB  int    // Rotate the log file after this many megabytes
	MaxBackups int    // Rotated files to keep
	MaxAgeDays int    // Days to keep rotated files
	Compress   bool   // Gzip rotated files
}

// ServerConfig describes the upstream application server
type ServerConfig struct {
	URL        string        // Upstream origin, e.g. https://app.example.com
	Token      string        // Bearer token sent with every upstream request
	Timeout    time.Duration // Per-request timeout
	DeviceName string        // Device name for identification
	HealthPath string        // Path probed by the connectivity monitor
}

// ProxyConfig holds the local listener settings
type ProxyConfig struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// RouterConfig tunes the cache strategy engine
type RouterConfig struct {
	RootStrategy      string        // cache-first or stale-while-revalidate
	MaxCacheBody      int64         // Responses larger than this are served but not stored
	RevalidateTimeout time.Duration // Bound on background revalidation fetches
}

// SyncConfig controls the background reconciler
type SyncConfig struct {
	AutoRetry         bool
	MaxRetries        int
	RetryInitial      time.Duration
	RetryMaxInterval  time.Duration
	RequestsPerMinute int
	Burst             int
	DrainTimeout      time.Duration
	ProbeInterval     time.Duration
	PeriodicInterval  time.Duration // 0 disables the periodic wake
	SyncedRetention   time.Duration // 0 keeps synced items forever
}

// QueueConfig configures the mutation queue
type QueueConfig struct {
	FallbackDir string // Directory for the file fallback store
}

// BlobConfig selects and configures the photo uploader
type BlobConfig struct {
	Backend       string // http or s3
	UploadPath    string // Upstream path for the http backend
	MaxUploadSize int64

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Prefix          string
	S3UsePathStyle    bool
	S3PublicURL       string // Base URL used to build remote URLs; defaults to the bucket endpoint
}

// CacheConfig describes the cache groups and the app shell
type CacheConfig struct {
	Prefix      string
	Version     string
	ShellURLs   []string // Paths prefetched at install time
	OfflinePath string
}

// New returns a new empty Config
func New() *Config {
	return &Config{}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.validateRouter(); err != nil {
		return fmt.Errorf("router config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	if err := c.validateBlob(); err != nil {
		return fmt.Errorf("blob config: %w", err)
	}

	if err := c.validateCache(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	// Create the directory if it doesn't exist
	dir := filepath.Dir(c.Database.Path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for database: %w", err)
		}
	}

	if err := checkDirectoryWritable(dir); err != nil {
		return fmt.Errorf("database directory: %w", err)
	}

	if c.Database.BusyTimeout <= 0 {
		return fmt.Errorf("busy timeout must be positive")
	}

	if c.Database.ConnMaxLife <= 0 {
		return fmt.Errorf("connection max life must be positive")
	}

	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" && level != "none" {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.Server.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https: %s", c.Server.URL)
	}

	if c.Server.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if !strings.HasPrefix(c.Server.HealthPath, "/") {
		return fmt.Errorf("health path must start with /: %s", c.Server.HealthPath)
	}

	return nil
}

func (c *Config) validateRouter() error {
	switch c.Router.RootStrategy {
	case "cache-first", "stale-while-revalidate":
	default:
		return fmt.Errorf("invalid root strategy: %s", c.Router.RootStrategy)
	}

	if c.Router.MaxCacheBody <= 0 {
		return fmt.Errorf("max cache body must be positive")
	}

	if c.Router.RevalidateTimeout <= 0 {
		return fmt.Errorf("revalidate timeout must be positive")
	}

	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if c.Sync.RetryInitial <= 0 || c.Sync.RetryMaxInterval < c.Sync.RetryInitial {
		return fmt.Errorf("retry intervals must be positive and max >= initial")
	}

	if c.Sync.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be positive")
	}

	if c.Sync.Burst <= 0 {
		return fmt.Errorf("burst must be positive")
	}

	if c.Sync.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive")
	}

	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}

	if c.Sync.PeriodicInterval < 0 || c.Sync.SyncedRetention < 0 {
		return fmt.Errorf("periodic interval and synced retention cannot be negative")
	}

	return nil
}

func (c *Config) validateBlob() error {
	switch c.Blob.Backend {
	case "http":
		if c.Blob.UploadPath == "" {
			return fmt.Errorf("upload path cannot be empty")
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("s3 bucket cannot be empty")
		}
		if c.Blob.S3Region == "" {
			return fmt.Errorf("s3 region cannot be empty")
		}
	default:
		return fmt.Errorf("invalid backend: %s (must be http or s3)", c.Blob.Backend)
	}

	if c.Blob.MaxUploadSize <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}

	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.Prefix == "" || c.Cache.Version == "" {
		return fmt.Errorf("prefix and version cannot be empty")
	}

	for _, p := range c.Cache.ShellURLs {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("shell url must be a path: %s", p)
		}
	}

	return nil
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 from the environment variable
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated list from the environment variable,
// skipping blanks and #-prefixed entries
func getEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	var list []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" && !strings.HasPrefix(item, "#") {
			list = append(list, item)
		}
	}
	return list
}

// getTimeFormat converts a named time format to its actual format string
func getTimeFormat(name string) string {
	switch name {
	case "RFC3339":
		return time.RFC3339
	case "RFC3339Nano":
		return time.RFC3339Nano
	case "Kitchen":
		return time.Kitchen
	case "DateTime":
		return "2006-01-02 15:04:05"
	case "DateTimeMS":
		return "2006-01-02 15:04:05.000"
	default:
		return name
	}
}

// checkDirectoryWritable tests if a directory is writable
func checkDirectoryWritable(dir string) error {
	testFile := filepath.Join(dir, fmt.Sprintf("test_write_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}

	f.Close()
	os.Remove(testFile)

	return nil
}
