package registry

import (
	"errors"
	"testing"
)

func TestClassifyStreamError(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want error
	}{
		{"unauthorized", "unauthorized: authentication required", ErrUnauthorized},
		{"denied", "denied: requested access to the resource is denied", ErrUnauthorized},
		{"bad credentials", "Get \"https://registry.example.com/v2/\": incorrect username or password", ErrUnauthorized},
		{"server error", "received unexpected HTTP status: 503 Service Unavailable", ErrTransient},
		{"tls timeout", "net/http: TLS handshake timeout", ErrTransient},
		{"connection refused", "dial tcp 10.0.0.5:443: connect: connection refused", ErrTransient},
		{"truncated stream", "unexpected EOF", ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyStreamError(tc.msg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestClassifyStreamErrorLeavesBuildFailuresAlone(t *testing.T) {
	err := classifyStreamError("The command '/bin/sh -c go test ./...' returned a non-zero code: 1")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTransient) {
		t.Fatalf("expected unclassified error, got %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransportError(t *testing.T) {
	if err := classifyTransportError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := classifyTransportError(timeoutErr{}); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	if err := classifyTransportError(errors.New("unauthorized: access token expired")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
