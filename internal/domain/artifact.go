package domain

import "time"

// ImageArtifact records a published container image. Tags derive from the
// revision identifier and are write-once in the registry.
type ImageArtifact struct {
	ID         string
	RunID      string
	AppID      string
	Repository string
	Tag        string
	Digest     string
	SizeBytes  int64
	PushedAt   time.Time
}

// Ref returns the pullable repository:tag reference.
func (a ImageArtifact) Ref() string {
	return a.Repository + ":" + a.Tag
}
