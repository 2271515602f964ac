package connection

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Connection is the registry's record of one owner's session.
type Connection struct {
	OwnerID     string
	Session     Session
	PairingCode string
	IsReady     bool
	State       State
	CreatedAt   time.Time
}

func (c *Connection) markPairing(code string) {
	c.PairingCode = code
	c.IsReady = false
	c.State = StateConnecting
}

func (c *Connection) markReady() {
	c.PairingCode = ""
	c.IsReady = true
	c.State = StateReady
}

// Registry is the in-memory index of live connections, one per owner.
// Each owner has its own lock so unrelated owners never contend.
type Registry struct {
	slots sync.Map // owner id -> *slot
}

type slot struct {
	mu   sync.Mutex
	conn *Connection
}

func NewRegistry() *Registry {
	return &Registry{}
}

// slot returns the owner's slot, creating it. Only writers that register a
// connection call it; lookups use find so unknown owners leave no trace.
func (r *Registry) slot(ownerID string) *slot {
	s, _ := r.slots.LoadOrStore(ownerID, &slot{})
	return s.(*slot)
}

func (r *Registry) find(ownerID string) (*slot, bool) {
	s, ok := r.slots.Load(ownerID)
	if !ok {
		return nil, false
	}
	return s.(*slot), true
}

// Get returns a snapshot of the owner's connection.
func (r *Registry) Get(ownerID string) (Connection, bool) {
	s, ok := r.find(ownerID)
	if !ok {
		return Connection{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return Connection{}, false
	}
	return *s.conn, true
}

// Put registers conn for its owner. Any previous connection is destroyed
// after the swap.
func (r *Registry) Put(ownerID string, conn *Connection) {
	s := r.slot(ownerID)
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.mu.Unlock()

	if prev != nil && prev.Session != nil && prev.Session != conn.Session {
		if err := prev.Session.Destroy(); err != nil {
			logrus.WithFields(logrus.Fields{"owner_id": ownerID}).WithError(err).Warn("⚠️ failed to destroy replaced session")
		}
	}
}

// Remove drops the owner's connection and returns it for teardown.
func (r *Registry) Remove(ownerID string) (Connection, bool) {
	s, ok := r.find(ownerID)
	if !ok {
		return Connection{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return Connection{}, false
	}
	conn := *s.conn
	s.conn = nil
	return conn, true
}

// RemoveIf drops the owner's connection only while it still holds session.
func (r *Registry) RemoveIf(ownerID string, session Session) bool {
	s, ok := r.find(ownerID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.Session != session {
		return false
	}
	s.conn = nil
	return true
}

// Update applies fn to the owner's connection under its lock, provided the
// connection still belongs to session. Events from a replaced session are
// dropped this way.
func (r *Registry) Update(ownerID string, session Session, fn func(*Connection)) bool {
	s, ok := r.find(ownerID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.Session != session {
		return false
	}
	fn(s.conn)
	return true
}

// IsUsable reports whether the owner has a Ready connection.
func (r *Registry) IsUsable(ownerID string) bool {
	conn, ok := r.Get(ownerID)
	return ok && conn.State == StateReady
}

// Owners lists owners with a registered connection.
func (r *Registry) Owners() []string {
	var owners []string
	r.slots.Range(func(key, value any) bool {
		s := value.(*slot)
		s.mu.Lock()
		if s.conn != nil {
			owners = append(owners, key.(string))
		}
		s.mu.Unlock()
		return true
	})
	sort.Strings(owners)
	return owners
}
