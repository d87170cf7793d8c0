package config

import (
	"strings"
	"time"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Build providers.
const (
	BuildProviderNone   = "none"
	BuildProviderHTTP   = "http"
	BuildProviderDocker = "docker"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string
	Addr          string
	PublicURL     string
	DatabaseURL   string
	MigrationsDir string
	StoreBackend  string
	LogLevel      string

	JWTSecret        string
	BuilderAuthToken string

	DownstreamServices string
	WebhookURLs        []string
	WebRefreshURL      string
	NotifyTimeout      time.Duration
	NotifyConcurrency  int

	EstimatedDeployTime time.Duration
	MaxHistory          int
	DeployExclusive     bool
	FinalizeRetries     int

	BuildProvider      string
	BuildProviderURL   string
	BuildProviderToken string
	BuildProject       string
	BuildTarget        string
	BuildContextDir    string
	BuildImageTag      string
	DockerHost         string

	RedisAddr     string
	RedisPass     string
	RedisDB       int
	EventsChannel string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		PublicURL:     strings.TrimRight(GetString("PUBLIC_URL", "http://localhost:4000"), "/"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://settings:settings@db:5432/settings?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		StoreBackend:  strings.ToLower(GetString("STORE_BACKEND", StorePostgres)),
		LogLevel:      GetString("LOG_LEVEL", "info"),

		JWTSecret:        GetString("JWT_SECRET", "supersecuresecret"),
		BuilderAuthToken: GetString("BUILDER_AUTH_TOKEN", ""),

		DownstreamServices: GetString("DOWNSTREAM_SERVICES", ""),
		WebhookURLs:        GetList("WEBHOOK_URLS"),
		WebRefreshURL:      GetString("WEB_REFRESH_URL", ""),
		NotifyTimeout:      time.Duration(GetInt("NOTIFY_TIMEOUT_SECONDS", 10)) * time.Second,
		NotifyConcurrency:  GetInt("NOTIFY_CONCURRENCY", 16),

		EstimatedDeployTime: time.Duration(GetInt("ESTIMATED_DEPLOY_TIME_MS", 120000)) * time.Millisecond,
		MaxHistory:          GetInt("MAX_HISTORY", 32),
		DeployExclusive:     GetBool("DEPLOY_EXCLUSIVE", false),
		FinalizeRetries:     GetInt("FINALIZE_RETRIES", 3),

		BuildProvider:      strings.ToLower(GetString("BUILD_PROVIDER", BuildProviderNone)),
		BuildProviderURL:   GetString("BUILD_PROVIDER_URL", ""),
		BuildProviderToken: GetString("BUILD_PROVIDER_TOKEN", ""),
		BuildProject:       GetString("BUILD_PROJECT", "settings"),
		BuildTarget:        GetString("BUILD_TARGET", "production"),
		BuildContextDir:    GetString("BUILD_CONTEXT_DIR", ""),
		BuildImageTag:      GetString("BUILD_IMAGE_TAG", "settings-web:latest"),
		DockerHost:         GetString("DOCKER_HOST", ""),

		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPass:     GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		EventsChannel: GetString("EVENTS_CHANNEL", "settingsd:deployments"),
	}
}
