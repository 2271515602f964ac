// Package connection tracks one messaging session per owner and drives its
// pairing lifecycle.
package connection

import (
	"context"
	"time"

	"github.com/unclebandit/bulkwa-backend/internal/model"
)

// State is the lifecycle state of a registered Connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateAuthError    State = "auth_error"
	StateDisconnected State = "disconnected"
)

// States that only appear in notifications and status responses.
const (
	StatusTimeout      = "timeout"
	StatusNotConnected = "not_connected"
	StatusRestoring    = "restoring"
)

type EventKind int

const (
	EventPairingCode EventKind = iota
	EventReady
	EventAuthFailure
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventPairingCode:
		return "pairing_code"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification emitted by a Session.
type Event struct {
	Kind   EventKind
	Code   string
	Reason string
}

// SendResult is what the network returns for an accepted message.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// Session is one owner's opaque handle onto the messaging network.
// Destroy must be safe to call more than once.
type Session interface {
	Initialize(ctx context.Context) error
	SendMessage(ctx context.Context, to, text string) (*SendResult, error)
	Destroy() error
}

// SessionFactory allocates sessions and owns their on-disk credentials.
// emit may be called from any goroutine.
type SessionFactory interface {
	NewSession(ownerID string, settings model.Settings, emit func(Event)) (Session, error)
	PurgeArtifacts(ownerID string) error
	HasArtifacts(ownerID string) bool
}

// StatusUpdate is the payload pushed to an owner when their connection changes.
type StatusUpdate struct {
	IsConnected bool   `json:"isConnected"`
	State       string `json:"state"`
	PairingCode string `json:"qr,omitempty"`
}

// Notifier delivers status updates. Implementations must not block.
type Notifier interface {
	Notify(ownerID string, update StatusUpdate)
}

// OwnerStore persists whether an owner is expected to be connected.
type OwnerStore interface {
	GetByID(ctx context.Context, ownerID string) (*model.Owner, error)
	SetWhatsAppConnected(ctx context.Context, ownerID string, connected bool) error
}
