package config

import "time"

// RunnerConfig holds runtime configuration for the pipeline runner service.
type RunnerConfig struct {
	Environment string
	Addr        string
	DockerHost  string
	Workdir     string

	GitTimeout     time.Duration
	BuildTimeout   time.Duration
	PublishTimeout time.Duration
	ConfigTimeout  time.Duration

	GitUsername string
	GitToken    string
	CommitName  string
	CommitEmail string

	RegistryServer   string
	RegistryUsername string
	RegistryPassword string

	PublishAttempts int
	ConfigAttempts  int
	RetryBaseDelay  time.Duration

	CallbackURL     string
	CallbackToken   string
	CallbackTimeout time.Duration

	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveUseTLS    bool
}

// LoadRunnerConfig constructs a RunnerConfig from environment variables.
func LoadRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("RUNNER_ADDR", ":5000"),
		DockerHost:  GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:     GetString("RUNNER_WORKDIR", "/tmp/conveyor"),

		GitTimeout:     GetDuration("GIT_TIMEOUT", time.Minute),
		BuildTimeout:   GetDuration("BUILD_TIMEOUT", 15*time.Minute),
		PublishTimeout: GetDuration("PUBLISH_TIMEOUT", 10*time.Minute),
		ConfigTimeout:  GetDuration("CONFIG_UPDATE_TIMEOUT", 2*time.Minute),

		GitUsername: GetString("GIT_USERNAME", "conveyor"),
		GitToken:    GetString("GIT_TOKEN", ""),
		CommitName:  GetString("COMMIT_AUTHOR_NAME", "conveyor-ci"),
		CommitEmail: GetString("COMMIT_AUTHOR_EMAIL", "ci@conveyor.dev"),

		RegistryServer:   GetString("REGISTRY_SERVER", ""),
		RegistryUsername: GetString("REGISTRY_USERNAME", ""),
		RegistryPassword: GetString("REGISTRY_PASSWORD", ""),

		PublishAttempts: GetInt("PUBLISH_ATTEMPTS", 3),
		ConfigAttempts:  GetInt("CONFIG_WRITE_ATTEMPTS", 3),
		RetryBaseDelay:  GetDuration("RETRY_BASE_DELAY", 500*time.Millisecond),

		CallbackURL:     GetString("CALLBACK_URL", ""),
		CallbackToken:   GetString("CALLBACK_TOKEN", ""),
		CallbackTimeout: GetDuration("CALLBACK_TIMEOUT", 10*time.Second),

		ArchiveEndpoint:  GetString("ARCHIVE_ENDPOINT", ""),
		ArchiveBucket:    GetString("ARCHIVE_BUCKET", "conveyor-logs"),
		ArchiveAccessKey: GetString("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: GetString("ARCHIVE_SECRET_KEY", ""),
		ArchiveUseTLS:    GetBool("ARCHIVE_USE_TLS", false),
	}
}
