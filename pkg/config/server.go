package config

import "time"

// ServerConfig holds runtime configuration for the control-plane service.
type ServerConfig struct {
	Environment     string
	Addr            string
	DatabaseURL     string
	MigrationsDir   string
	JWTSecret       string
	SecretSealKey   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	RunnerURL       string
	RunnerAuthToken string
	DispatchTimeout time.Duration

	AutoSupersede bool
	LogBuffer     int

	AgentURL          string
	AgentAuthToken    string
	ReconcileInterval time.Duration
	ReconcileTimeout  time.Duration

	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveUseTLS    bool
	ArchivePresign   time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            GetString("SERVER_ADDR", ":4000"),
		DatabaseURL:     GetString("DATABASE_URL", "postgres://conveyor:conveyor@db:5432/conveyor?sslmode=disable"),
		MigrationsDir:   GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:       GetString("JWT_SECRET", "supersecuresecret"),
		SecretSealKey:   GetString("SECRET_SEAL_KEY", "supersecuresecret"),
		AccessTokenTTL:  time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL: time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,

		RunnerURL:       GetString("RUNNER_URL", "http://runner:5000"),
		RunnerAuthToken: GetString("RUNNER_AUTH_TOKEN", ""),
		DispatchTimeout: GetDuration("RUNNER_DISPATCH_TIMEOUT", 10*time.Second),

		AutoSupersede: GetBool("AUTO_SUPERSEDE", true),
		LogBuffer:     GetInt("WS_LOG_BUFFER", 100),

		AgentURL:          GetString("AGENT_URL", ""),
		AgentAuthToken:    GetString("AGENT_AUTH_TOKEN", ""),
		ReconcileInterval: GetDuration("RECONCILE_POLL_INTERVAL", 30*time.Second),
		ReconcileTimeout:  GetDuration("RECONCILE_POLL_TIMEOUT", 10*time.Second),

		ArchiveEndpoint:  GetString("ARCHIVE_ENDPOINT", ""),
		ArchiveBucket:    GetString("ARCHIVE_BUCKET", "conveyor-logs"),
		ArchiveAccessKey: GetString("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: GetString("ARCHIVE_SECRET_KEY", ""),
		ArchiveUseTLS:    GetBool("ARCHIVE_USE_TLS", false),
		ArchivePresign:   GetDuration("ARCHIVE_PRESIGN_TTL", 15*time.Minute),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
