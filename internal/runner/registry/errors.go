package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/docker/docker/errdefs"
)

// ErrUnauthorized indicates the registry rejected the provided credentials.
var ErrUnauthorized = errors.New("registry: authentication required")

// ErrTagNotFound indicates no manifest exists for the requested tag.
var ErrTagNotFound = errors.New("registry: tag not found")

// ErrTransient marks failures worth retrying, such as network timeouts and
// 5xx responses from the registry.
var ErrTransient = errors.New("registry: transient failure")

// classifyStreamError maps an error message from a daemon JSON stream onto
// the package sentinels where the text identifies the failure class.
func classifyStreamError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower,
		"unauthorized",
		"authentication required",
		"access to the resource is denied",
		"no basic auth credentials",
		"incorrect username or password",
	):
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case containsAny(lower,
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"no route to host",
		"temporary failure",
		"service unavailable",
		"received unexpected http status: 5",
		"tls handshake",
		"unexpected eof",
	):
		return fmt.Errorf("%w: %s", ErrTransient, msg)
	default:
		return errors.New(msg)
	}
}

// classifyTransportError maps an error returned by the Docker client itself,
// before any stream was produced.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return classifyStreamError(err.Error())
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
