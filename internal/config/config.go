package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Stripe      StripeConfig
	RevenueCat  RevenueCatConfig
	Apple       AppleConfig
	Google      GoogleConfig
	Cloudinary  CloudinaryConfig
	Expo        ExpoConfig
	Stream      StreamConfig
	SMTP        SMTPConfig
	Cron        CronConfig
	RateLimit   RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                    int
	ReadTimeoutSeconds      int
	WriteTimeoutSeconds     int
	IdleTimeoutSeconds      int
	GracefulShutdownSeconds int
	AllowedOrigins          []string
	ServiceAccountPath      string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig holds session token and OTP settings
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	OTPTTL    time.Duration
}

// StripeConfig holds Stripe billing configuration
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BackendURL    string
	FrontendURL   string
	PriceIDs      map[string]string
}

// RevenueCatConfig holds RevenueCat API configuration
type RevenueCatConfig struct {
	SecretKey        string
	ProjectID        string
	WebhookAuthToken string
}

// AppleConfig holds Sign in with Apple and App Store settings
type AppleConfig struct {
	ClientID     string
	SharedSecret string
}

// GoogleConfig holds Google sign-in and Play billing settings
type GoogleConfig struct {
	ClientIDs          []string
	PackageName        string
	ServiceAccountPath string
}

// CloudinaryConfig holds media storage credentials
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
}

// ExpoConfig holds Expo push settings
type ExpoConfig struct {
	AccessToken string
}

// StreamConfig holds Stream Chat credentials
type StreamConfig struct {
	APIKey    string
	APISecret string
}

// SMTPConfig holds outgoing mail settings
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	FromName string
}

// CronConfig holds scheduled job settings
type CronConfig struct {
	Secret           string
	ReminderSchedule string
	Enabled          bool
}

// RateLimitConfig holds per-client request limits for public auth routes
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:                    getEnvAsInt("PORT", 5000),
			ReadTimeoutSeconds:      getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeoutSeconds:     getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeoutSeconds:      getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			GracefulShutdownSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT", 30),
			AllowedOrigins:          getEnvAsList("ALLOWED_ORIGINS", "http://localhost:3000"),
			ServiceAccountPath:      getEnv("SERVICE_ACCOUNT_PATH", "config/service-account.json"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "atc"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvAsDuration("JWT_TTL", 30*24*time.Hour),
			OTPTTL:    getEnvAsDuration("OTP_TTL", 10*time.Minute),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			BackendURL:    strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:5000"), "/"),
			FrontendURL:   getEnv("FRONTEND_URL", ""),
			PriceIDs: map[string]string{
				"basic":    getEnv("STRIPE_BASIC_PRICE_ID", ""),
				"standard": getEnv("STRIPE_STANDARD_PRICE_ID", ""),
				"premium":  getEnv("STRIPE_PREMIUM_PRICE_ID", ""),
			},
		},
		RevenueCat: RevenueCatConfig{
			SecretKey:        getEnv("REVENUECAT_SECRET_KEY", ""),
			ProjectID:        getEnv("REVENUECAT_PROJECT_ID", ""),
			WebhookAuthToken: getEnv("REVENUECAT_WEBHOOK_AUTH", ""),
		},
		Apple: AppleConfig{
			ClientID:     getEnv("APPLE_CLIENT_ID", "com.booali.Atc"),
			SharedSecret: getEnv("APPLE_SHARED_SECRET", ""),
		},
		Google: GoogleConfig{
			ClientIDs:          getEnvAsList("GOOGLE_CLIENT_IDS", ""),
			PackageName:        getEnv("GOOGLE_PLAY_PACKAGE", "com.booali.Atc"),
			ServiceAccountPath: getEnv("GOOGLE_SERVICE_ACCOUNT_PATH", "config/service-account.json"),
		},
		Cloudinary: CloudinaryConfig{
			CloudName: getEnv("CLOUDINARY_CLOUD_NAME", ""),
			APIKey:    getEnv("CLOUDINARY_API_KEY", ""),
			APISecret: getEnv("CLOUDINARY_API_SECRET", ""),
		},
		Expo: ExpoConfig{
			AccessToken: getEnv("EXPO_ACCESS_TOKEN", ""),
		},
		Stream: StreamConfig{
			APIKey:    getEnv("STREAM_API_KEY", ""),
			APISecret: getEnv("STREAM_API_SECRET", ""),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			User:     getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASS", ""),
			FromName: getEnv("SMTP_FROM_NAME", "ATC"),
		},
		Cron: CronConfig{
			Secret:           getEnv("CRON_SECRET", ""),
			ReminderSchedule: getEnv("CRON_REMINDER_SCHEDULE", "0 9 * * *"),
			Enabled:          getEnvAsBool("CRON_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		if cfg.IsProduction() {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		cfg.Auth.JWTSecret = "development-secret"
	}

	return cfg, nil
}

// IsProduction reports whether the app runs with APP_ENV=production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions for reading environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
