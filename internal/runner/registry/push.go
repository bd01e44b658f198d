package registry

import (
	"context"
	"fmt"
	"strings"

	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Push uploads the tagged image and returns the digest reported by the registry.
func (c *Client) Push(ctx context.Context, ref string, auth Auth, onOutput OutputCallback) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("image reference cannot be empty")
	}
	encoded, err := auth.encode()
	if err != nil {
		return "", err
	}
	resp, err := c.inner.ImagePush(ctx, ref, imagetypes.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", fmt.Errorf("docker image push: %w", classifyTransportError(err))
	}
	defer resp.Close()

	var digest string
	onAux := func(aux map[string]interface{}) {
		if d, ok := aux["Digest"].(string); ok && d != "" {
			digest = d
		}
	}
	if err := drainStream(resp, onOutput, onAux); err != nil {
		return "", fmt.Errorf("docker image push: %w", err)
	}
	if digest == "" {
		return "", fmt.Errorf("docker image push: registry did not report a digest")
	}
	return digest, nil
}

// Pull fetches an image so it can be run locally.
func (c *Client) Pull(ctx context.Context, ref string, auth Auth, onOutput OutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	encoded, err := auth.encode()
	if err != nil {
		return err
	}
	resp, err := c.inner.ImagePull(ctx, ref, imagetypes.PullOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("docker image pull: %w", classifyTransportError(err))
	}
	defer resp.Close()
	if err := drainStream(resp, onOutput, nil); err != nil {
		return fmt.Errorf("docker image pull: %w", err)
	}
	return nil
}

// Resolve queries the registry for the digest currently bound to ref.
// It returns ErrTagNotFound when no manifest exists for the tag.
func (c *Client) Resolve(ctx context.Context, ref string, auth Auth) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("image reference cannot be empty")
	}
	encoded, err := auth.encode()
	if err != nil {
		return "", err
	}
	insp, err := c.inner.DistributionInspect(ctx, ref, encoded)
	if err != nil {
		if client.IsErrNotFound(err) || isManifestUnknown(err) {
			return "", fmt.Errorf("resolve %s: %w", ref, ErrTagNotFound)
		}
		return "", fmt.Errorf("resolve %s: %w", ref, classifyTransportError(err))
	}
	return string(insp.Descriptor.Digest), nil
}

func isManifestUnknown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "manifest unknown") || strings.Contains(msg, "no such manifest")
}
