package session

import (
	"errors"

	"termgate/internal/protocol"
	"termgate/internal/term"
)

// Status represents the connection lifecycle state of a session.
type Status string

const (
	StatusDisconnected      Status = "disconnected"
	StatusConnecting        Status = "connecting"
	StatusAuthenticating    Status = "authenticating"
	StatusAwaitingChallenge Status = "awaiting_challenge"
	StatusConnected         Status = "connected"
	StatusFailed            Status = "failed"
)

// Auth method names used in server policy filtering.
const (
	MethodPassword   = "password"
	MethodPrivateKey = "privateKey"
)

var (
	// ErrNotPermitted is returned when reauth or credential replay is
	// attempted without the corresponding server grant.
	ErrNotPermitted = errors.New("operation not permitted by server")

	// ErrAuthRequired is raised when neither host nor username can be
	// resolved from any credential source.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNoChallenge is returned when a challenge response is submitted
	// with no challenge outstanding.
	ErrNoChallenge = errors.New("no active authentication challenge")

	// ErrNotConnected is returned for emissions that need a live channel.
	ErrNotConnected = errors.New("not connected")
)

// Session is the connection-scoped state owned by the Manager. It is created
// at channel open, torn down at disconnect, and re-created on reconnect.
type Session struct {
	Status         Status          `json:"status"`
	AuthMethod     string          `json:"authMethod,omitempty"`
	AllowReauth    bool            `json:"allowReauth"`
	AllowReconnect bool            `json:"allowReconnect"`
	AllowReplay    bool            `json:"allowReplay"`
	Dims           term.Dimensions `json:"dims"`

	// allowedMethods is the server's current auth method policy.
	// nil means no policy received yet, which allows everything.
	allowedMethods map[string]bool
}

func newSession(cols, rows int) *Session {
	return &Session{
		Status: StatusDisconnected,
		Dims:   term.Dimensions{Cols: cols, Rows: rows},
	}
}

// methodAllowed reports whether the server policy permits an auth method.
func (s *Session) methodAllowed(method string) bool {
	if s.allowedMethods == nil {
		return true
	}
	return s.allowedMethods[method]
}

// Credentials is one source of connection parameters. The Manager merges the
// stored, URL-supplied, and form-supplied sources with form taking precedence
// over URL, and URL over stored.
type Credentials struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Term       string `json:"term,omitempty"`
}

// Challenge is a pending keyboard-interactive round. Exactly one may be
// outstanding at a time; a replacement before resolution is a protocol
// violation that is logged and tolerated.
type Challenge struct {
	Name    string
	Prompts []protocol.AuthPrompt
}
