package domain

import "time"

// Application registers one deliverable: where its source lives, how to build
// and test it, where its image goes, and which configuration entry declares
// the version that should run.
type Application struct {
	ID            string
	Name          string
	RepoURL       string
	Branch        string
	BuildCommand  string
	TestCommand   string
	BuildImage    string
	Dockerfile    string
	ImageRepo     string
	ConfigRepoURL string
	ConfigBranch  string
	ConfigPath    string
	ConfigKey     string
	Environment   string
	WebhookSecret []byte `json:"-"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AppEnvVar stores one sealed build-time environment variable.
type AppEnvVar struct {
	AppID     string
	Key       string
	Value     []byte
	CreatedAt time.Time
}
