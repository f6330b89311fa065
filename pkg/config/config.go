package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Cipher    CipherConfig
	Session   SessionConfig
	StepUp    StepUpConfig
	Audit     AuditConfig
	Policy    PolicyConfig
	RateLimit RateLimitConfig
	Documents DocumentsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// CipherConfig holds the master wrapping key and the domain whose data keys the service manages.
type CipherConfig struct {
	MasterKey string
	Domain    string
}

// SessionConfig sets idle-timeout defaults for principals without stored preferences.
type SessionConfig struct {
	DefaultTimeout time.Duration
	DefaultWarning time.Duration
	CheckInterval  time.Duration
}

// StepUpConfig configures TOTP issuance and challenge lifetime.
type StepUpConfig struct {
	Issuer       string
	ChallengeTTL time.Duration
}

// AuditConfig controls how audit entries reach storage.
type AuditConfig struct {
	Async        bool
	Workers      int
	BufferSize    int
	WriteTimeout  time.Duration
	ExportMaxRows int
}

// PolicyConfig points at an optional policy table overriding the embedded default.
type PolicyConfig struct {
	File string
}

// RateLimitConfig tunes the login token bucket.
type RateLimitConfig struct {
	LoginPerMinute int
	LoginBurst     int
}

// DocumentsConfig controls content storage and signed download links.
type DocumentsConfig struct {
	StorageDir       string
	SignedURLSecret  string
	SignedURLTTL     time.Duration
	MaxFileSizeBytes int64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 12*time.Hour),
		Issuer:     v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Cipher = CipherConfig{
		MasterKey: v.GetString("CIPHER_MASTER_KEY"),
		Domain:    v.GetString("CIPHER_DOMAIN"),
	}

	cfg.Session = SessionConfig{
		DefaultTimeout: parseDuration(v.GetString("SESSION_DEFAULT_TIMEOUT"), 30*time.Minute),
		DefaultWarning: parseDuration(v.GetString("SESSION_DEFAULT_WARNING"), 5*time.Minute),
		CheckInterval:  parseDuration(v.GetString("SESSION_CHECK_INTERVAL"), 10*time.Second),
	}

	cfg.StepUp = StepUpConfig{
		Issuer:       v.GetString("TOTP_ISSUER"),
		ChallengeTTL: parseDuration(v.GetString("STEP_UP_CHALLENGE_TTL"), 5*time.Minute),
	}

	cfg.Audit = AuditConfig{
		Async:         v.GetBool("AUDIT_ASYNC"),
		Workers:       v.GetInt("AUDIT_WORKERS"),
		BufferSize:    v.GetInt("AUDIT_BUFFER_SIZE"),
		WriteTimeout:  parseDuration(v.GetString("AUDIT_WRITE_TIMEOUT"), 2*time.Second),
		ExportMaxRows: v.GetInt("AUDIT_EXPORT_MAX_ROWS"),
	}

	cfg.Policy = PolicyConfig{File: v.GetString("POLICY_FILE")}

	cfg.RateLimit = RateLimitConfig{
		LoginPerMinute: v.GetInt("LOGIN_RATE_PER_MINUTE"),
		LoginBurst:     v.GetInt("LOGIN_RATE_BURST"),
	}

	maxFileSize := v.GetInt64("DOCUMENTS_MAX_FILE_SIZE")
	if maxFileSize <= 0 {
		maxFileSize = 10 * 1024 * 1024
	}
	cfg.Documents = DocumentsConfig{
		StorageDir:       v.GetString("DOCUMENTS_STORAGE_DIR"),
		SignedURLSecret:  v.GetString("DOCUMENTS_SIGNED_URL_SECRET"),
		SignedURLTTL:     parseDuration(v.GetString("DOCUMENTS_SIGNED_URL_TTL"), 10*time.Minute),
		MaxFileSizeBytes: maxFileSize,
	}

	if cfg.Env == EnvProduction {
		if err := cfg.validateProduction(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// validateProduction refuses development secrets outside development.
func (c *Config) validateProduction() error {
	if c.JWT.Secret == "" || c.JWT.Secret == devJWTSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.Cipher.MasterKey == "" || c.Cipher.MasterKey == devMasterKey {
		return errors.New("CIPHER_MASTER_KEY must be set in production")
	}
	if c.Documents.SignedURLSecret == "" || c.Documents.SignedURLSecret == devSignedURLSecret {
		return errors.New("DOCUMENTS_SIGNED_URL_SECRET must be set in production")
	}
	return nil
}

const (
	devJWTSecret       = "dev_secret"
	devSignedURLSecret = "dev_documents_secret"
	// base64 of 32 ASCII bytes; development only.
	devMasterKey = "ZGV2LW9ubHktbWFzdGVyLWtleS0zMi1ieXRlcy0hISE="
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "uni_connect")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", devJWTSecret)
	v.SetDefault("JWT_EXPIRATION", "12h")
	v.SetDefault("JWT_ISSUER", "uni-connect")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("CIPHER_MASTER_KEY", devMasterKey)
	v.SetDefault("CIPHER_DOMAIN", "documents")

	v.SetDefault("SESSION_DEFAULT_TIMEOUT", "30m")
	v.SetDefault("SESSION_DEFAULT_WARNING", "5m")
	v.SetDefault("SESSION_CHECK_INTERVAL", "10s")

	v.SetDefault("TOTP_ISSUER", "Uni-Connect")
	v.SetDefault("STEP_UP_CHALLENGE_TTL", "5m")

	v.SetDefault("AUDIT_ASYNC", true)
	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("AUDIT_BUFFER_SIZE", 256)
	v.SetDefault("AUDIT_WRITE_TIMEOUT", "2s")
	v.SetDefault("AUDIT_EXPORT_MAX_ROWS", 50000)

	v.SetDefault("POLICY_FILE", "")

	v.SetDefault("LOGIN_RATE_PER_MINUTE", 10)
	v.SetDefault("LOGIN_RATE_BURST", 5)

	v.SetDefault("DOCUMENTS_STORAGE_DIR", "./documents")
	v.SetDefault("DOCUMENTS_SIGNED_URL_SECRET", devSignedURLSecret)
	v.SetDefault("DOCUMENTS_SIGNED_URL_TTL", "10m")
	v.SetDefault("DOCUMENTS_MAX_FILE_SIZE", 10*1024*1024)
}

// isMissingFile covers viper returning a raw fs error when an explicit config file is absent.
func isMissingFile(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such file")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
