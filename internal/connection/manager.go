package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/phone"
)

const eventBuffer = 32

// Options tunes the timing of the pairing flow.
type Options struct {
	ConnectTimeout      time.Duration
	PollAttempts        int
	PollBase            time.Duration
	PollStep            time.Duration
	ReconnectGrace      time.Duration
	PairingPollInterval time.Duration
	SendRatePerMinute   int
}

// DefaultOptions mirrors the production timings.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:      60 * time.Second,
		PollAttempts:        5,
		PollBase:            time.Second,
		PollStep:            500 * time.Millisecond,
		ReconnectGrace:      5 * time.Second,
		PairingPollInterval: time.Second,
		SendRatePerMinute:   30,
	}
}

type ConnectStatus string

const (
	ConnectReady       ConnectStatus = "ready"
	ConnectPairingCode ConnectStatus = "pairing_code"
	ConnectConnecting  ConnectStatus = "connecting"
)

// ConnectResult is the outcome of the bounded wait inside CreateConnection.
type ConnectResult struct {
	Status      ConnectStatus `json:"status"`
	PairingCode string        `json:"qr,omitempty"`
	Message     string        `json:"message"`
}

// Manager owns session creation, pairing and teardown for every owner.
type Manager struct {
	registry   *Registry
	factory    SessionFactory
	notifier   Notifier
	owners     OwnerStore
	normalizer *phone.Normalizer
	opts       Options
	log        *logrus.Entry

	inflight sync.Map // owner id -> admission token
	tokens   atomic.Uint64
	watchers sync.Map // owner id -> *watcher
	limiters sync.Map // owner id -> *rate.Limiter
	settings sync.Map // owner id -> model.Settings
}

func NewManager(registry *Registry, factory SessionFactory, notifier Notifier, owners OwnerStore, normalizer *phone.Normalizer, opts Options) *Manager {
	if opts.PollAttempts < 1 {
		opts.PollAttempts = 1
	}
	if opts.PairingPollInterval <= 0 {
		opts.PairingPollInterval = time.Second
	}
	return &Manager{
		registry:   registry,
		factory:    factory,
		notifier:   notifier,
		owners:     owners,
		normalizer: normalizer,
		opts:       opts,
		log:        logrus.WithField("component", "connection"),
	}
}

// watcher is the single consumer of one session's events.
type watcher struct {
	ownerID  string
	session  Session
	token    uint64
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	timer    *time.Timer
	terminal atomic.Pointer[Event]
}

func (w *watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.timer != nil {
			w.timer.Stop()
		}
	})
}

// admit marks a creation as running for the owner. The returned token lets
// release clear only the marker it placed.
func (m *Manager) admit(ownerID string) (uint64, bool) {
	token := m.tokens.Add(1)
	_, loaded := m.inflight.LoadOrStore(ownerID, token)
	return token, !loaded
}

func (m *Manager) release(ownerID string, token uint64) {
	m.inflight.CompareAndDelete(ownerID, token)
}

// InProgress reports whether a creation is currently running for the owner.
func (m *Manager) InProgress(ownerID string) bool {
	_, ok := m.inflight.Load(ownerID)
	return ok
}

// CreateConnection pairs or reconnects the owner's session and waits a bounded
// time for a pairing code or readiness.
func (m *Manager) CreateConnection(ctx context.Context, ownerID string, settings model.Settings) (*ConnectResult, error) {
	token, ok := m.admit(ownerID)
	if !ok {
		return nil, appErrors.NewAlreadyInProgress(ownerID)
	}
	defer m.release(ownerID, token)

	return m.connect(ctx, ownerID, settings, token)
}

// StartConnection performs admission synchronously and runs the connection
// attempt in the background. Results reach the owner through the Notifier.
func (m *Manager) StartConnection(ownerID string, settings model.Settings) error {
	token, ok := m.admit(ownerID)
	if !ok {
		return appErrors.NewAlreadyInProgress(ownerID)
	}

	go func() {
		defer m.release(ownerID, token)

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		defer cancel()

		if _, err := m.connect(ctx, ownerID, settings, token); err != nil {
			m.log.WithField("owner_id", ownerID).WithError(err).Error("❌ background connection failed")
		}
	}()
	return nil
}

// RestoreConnection re-creates a connection from the owner's last-known
// settings, for owners persisted as connected but missing from the registry.
func (m *Manager) RestoreConnection(ctx context.Context, ownerID string) (*ConnectResult, error) {
	if err := m.checkRestorable(ownerID); err != nil {
		return nil, err
	}
	settings, err := m.lastSettings(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	m.log.WithField("owner_id", ownerID).Info("🔄 restoring connection")
	m.notify(ownerID, false, StatusRestoring, "")
	return m.CreateConnection(ctx, ownerID, settings)
}

// StartRestore is RestoreConnection run in the background.
func (m *Manager) StartRestore(ownerID string, settings model.Settings) error {
	if err := m.checkRestorable(ownerID); err != nil {
		return err
	}
	m.notify(ownerID, false, StatusRestoring, "")
	return m.StartConnection(ownerID, settings)
}

// checkRestorable refuses a restore when no credentials are stored, which
// would otherwise surface as a fresh pairing. The stale connected flag is
// cleared.
func (m *Manager) checkRestorable(ownerID string) error {
	if m.factory.HasArtifacts(ownerID) {
		return nil
	}
	m.log.WithField("owner_id", ownerID).Info("🗑️ no stored session to restore")
	m.persistConnected(ownerID, false)
	return appErrors.NewNotConnected(ownerID)
}

func (m *Manager) lastSettings(ctx context.Context, ownerID string) (model.Settings, error) {
	if s, ok := m.settings.Load(ownerID); ok {
		return s.(model.Settings), nil
	}
	if m.owners == nil {
		return model.Settings{}, nil
	}
	owner, err := m.owners.GetByID(ctx, ownerID)
	if err != nil {
		return model.Settings{}, err
	}
	if owner == nil {
		return model.Settings{}, nil
	}
	return owner.Settings, nil
}

func (m *Manager) connect(ctx context.Context, ownerID string, settings model.Settings, token uint64) (*ConnectResult, error) {
	m.settings.Store(ownerID, settings)
	logger := m.log.WithField("owner_id", ownerID)

	if conn, ok := m.registry.Get(ownerID); ok {
		if conn.State == StateReady {
			return &ConnectResult{Status: ConnectReady, Message: "WhatsApp already connected"}, nil
		}
		if conn.PairingCode != "" {
			return &ConnectResult{Status: ConnectPairingCode, PairingCode: conn.PairingCode, Message: "Scan the QR code with WhatsApp"}, nil
		}

		logger.Info("🔁 existing connection is not ready, trying to reconnect")
		if res, ok := m.tryReconnect(ctx, ownerID, conn.Session); ok {
			return res, nil
		}

		logger.Warn("⚠️ reconnect did not recover the session, recreating")
		m.teardown(ownerID, false)
	}

	return m.createFresh(ctx, ownerID, settings, token)
}

func (m *Manager) tryReconnect(ctx context.Context, ownerID string, session Session) (*ConnectResult, bool) {
	if err := session.Initialize(ctx); err != nil {
		m.log.WithField("owner_id", ownerID).WithError(err).Warn("⚠️ reconnect attempt failed")
		return nil, false
	}

	deadline := time.Now().Add(m.opts.ReconnectGrace)
	for {
		if conn, ok := m.registry.Get(ownerID); ok && conn.Session == session {
			if conn.State == StateReady {
				return &ConnectResult{Status: ConnectReady, Message: "WhatsApp reconnected"}, true
			}
			if conn.PairingCode != "" {
				return &ConnectResult{Status: ConnectPairingCode, PairingCode: conn.PairingCode, Message: "Scan the QR code with WhatsApp"}, true
			}
		} else {
			return nil, false
		}
		if !time.Now().Before(deadline) {
			return nil, false
		}
		if !sleep(ctx, m.opts.PairingPollInterval) {
			return nil, false
		}
	}
}

func (m *Manager) createFresh(ctx context.Context, ownerID string, settings model.Settings, token uint64) (*ConnectResult, error) {
	logger := m.log.WithField("owner_id", ownerID)

	w := &watcher{
		ownerID: ownerID,
		token:   token,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}

	session, err := m.factory.NewSession(ownerID, settings, w.emit)
	if err != nil {
		logger.WithError(err).Error("❌ failed to create session")
		return nil, appErrors.NewInternal("create session", err)
	}
	w.session = session

	m.registry.Put(ownerID, &Connection{
		OwnerID:   ownerID,
		Session:   session,
		State:     StateConnecting,
		CreatedAt: time.Now(),
	})
	if prev, loaded := m.watchers.Swap(ownerID, w); loaded {
		prev.(*watcher).stop()
	}
	w.timer = time.AfterFunc(m.opts.ConnectTimeout, func() { m.onConnectTimeout(w) })
	go m.runEvents(w)

	m.notify(ownerID, false, string(StateConnecting), "")
	logger.Info("📱 initializing WhatsApp session")

	if err := session.Initialize(ctx); err != nil {
		logger.WithError(err).Error("❌ session initialization failed")
		m.discard(w)
		m.notify(ownerID, false, string(StateDisconnected), "")
		return nil, appErrors.NewInternal("initialize session", err)
	}

	return m.awaitOutcome(ctx, w)
}

// awaitOutcome polls with increasing waits for a pairing code or readiness.
func (m *Manager) awaitOutcome(ctx context.Context, w *watcher) (*ConnectResult, error) {
	for i := 0; i < m.opts.PollAttempts; i++ {
		wait := m.opts.PollBase + time.Duration(i)*m.opts.PollStep
		if !sleep(ctx, wait) {
			break
		}

		conn, ok := m.registry.Get(w.ownerID)
		if !ok || conn.Session != w.session {
			if ev := w.terminal.Load(); ev != nil && ev.Kind == EventAuthFailure {
				return nil, appErrors.NewAuth(w.ownerID, ev.Reason)
			}
			return nil, appErrors.NewInternal("await pairing", errors.New("connection closed before pairing completed"))
		}
		if conn.State == StateReady {
			return &ConnectResult{Status: ConnectReady, Message: "WhatsApp connected successfully"}, nil
		}
		if conn.PairingCode != "" {
			return &ConnectResult{Status: ConnectPairingCode, PairingCode: conn.PairingCode, Message: "Scan the QR code with WhatsApp"}, nil
		}
	}

	return &ConnectResult{Status: ConnectConnecting, Message: "Connection in progress, fetch the QR code shortly"}, nil
}

func (m *Manager) runEvents(w *watcher) {
	for {
		select {
		case ev := <-w.events:
			if m.apply(w, ev) {
				w.stop()
				return
			}
		case <-w.done:
			return
		}
	}
}

// apply performs one lifecycle transition and reports whether the session is finished.
func (m *Manager) apply(w *watcher, ev Event) bool {
	logger := m.log.WithFields(logrus.Fields{"owner_id": w.ownerID, "event": ev.Kind.String()})

	switch ev.Kind {
	case EventPairingCode:
		if m.registry.Update(w.ownerID, w.session, func(c *Connection) { c.markPairing(ev.Code) }) {
			logger.Info("📷 pairing code ready")
			m.notify(w.ownerID, false, string(StateConnecting), ev.Code)
		}
		return false

	case EventReady:
		if m.registry.Update(w.ownerID, w.session, func(c *Connection) { c.markReady() }) {
			if w.timer != nil {
				w.timer.Stop()
			}
			m.release(w.ownerID, w.token)
			logger.Info("✅ WhatsApp connection ready")
			m.notify(w.ownerID, true, string(StateReady), "")
			m.persistConnected(w.ownerID, true)
		}
		return false

	case EventAuthFailure:
		ev := ev
		w.terminal.Store(&ev)
		if !m.registry.RemoveIf(w.ownerID, w.session) {
			return true
		}
		m.watchers.CompareAndDelete(w.ownerID, w)
		logger.WithField("reason", ev.Reason).Error("❌ authentication failure, purging session")
		if err := w.session.Destroy(); err != nil {
			logger.WithError(err).Warn("⚠️ failed to destroy session")
		}
		if err := m.factory.PurgeArtifacts(w.ownerID); err != nil {
			logger.WithError(err).Warn("⚠️ failed to purge session artifacts")
		}
		m.notify(w.ownerID, false, string(StateAuthError), "")
		m.persistConnected(w.ownerID, false)
		return true

	case EventDisconnected:
		ev := ev
		w.terminal.Store(&ev)
		if !m.registry.RemoveIf(w.ownerID, w.session) {
			return true
		}
		m.watchers.CompareAndDelete(w.ownerID, w)
		logger.WithField("reason", ev.Reason).Warn("🔌 WhatsApp disconnected")
		if err := w.session.Destroy(); err != nil {
			logger.WithError(err).Warn("⚠️ failed to destroy session")
		}
		m.notify(w.ownerID, false, string(StateDisconnected), "")
		m.persistConnected(w.ownerID, false)
		return true
	}

	return false
}

func (m *Manager) onConnectTimeout(w *watcher) {
	conn, ok := m.registry.Get(w.ownerID)
	if !ok || conn.Session != w.session || conn.State != StateConnecting {
		return
	}
	m.log.WithField("owner_id", w.ownerID).Warn("⏰ connection still pending after timeout")
	m.notify(w.ownerID, false, StatusTimeout, "")
}

// discard drops a session that never got off the ground.
func (m *Manager) discard(w *watcher) {
	w.stop()
	m.watchers.CompareAndDelete(w.ownerID, w)
	if m.registry.RemoveIf(w.ownerID, w.session) {
		if err := w.session.Destroy(); err != nil {
			m.log.WithField("owner_id", w.ownerID).WithError(err).Warn("⚠️ failed to destroy session")
		}
	}
}

func (m *Manager) teardown(ownerID string, purge bool) bool {
	if w, ok := m.watchers.LoadAndDelete(ownerID); ok {
		w.(*watcher).stop()
	}
	conn, ok := m.registry.Remove(ownerID)
	if ok {
		if err := conn.Session.Destroy(); err != nil {
			m.log.WithField("owner_id", ownerID).WithError(err).Warn("⚠️ failed to destroy session")
		}
	}
	// Credentials can exist on disk without a live entry, e.g. after a restart.
	if purge {
		if err := m.factory.PurgeArtifacts(ownerID); err != nil {
			m.log.WithField("owner_id", ownerID).WithError(err).Warn("⚠️ failed to purge session artifacts")
		}
	}
	return ok
}

// Disconnect destroys the owner's session and its stored credentials. It
// reports whether a live connection existed.
func (m *Manager) Disconnect(ownerID string) bool {
	existed := m.teardown(ownerID, true)
	if existed {
		m.log.WithField("owner_id", ownerID).Info("🔌 WhatsApp disconnected by owner")
		m.notify(ownerID, false, string(StateDisconnected), "")
	}
	m.persistConnected(ownerID, false)
	return existed
}

// Shutdown closes every live session but keeps credentials for a later restore.
func (m *Manager) Shutdown() {
	for _, ownerID := range m.registry.Owners() {
		m.teardown(ownerID, false)
	}
}

// GetPairingCode returns the current code while the owner is not yet ready.
func (m *Manager) GetPairingCode(ownerID string) string {
	conn, ok := m.registry.Get(ownerID)
	if !ok || conn.IsReady {
		return ""
	}
	return conn.PairingCode
}

// WaitForPairingCode polls until a code appears, the owner becomes ready, or
// timeout elapses. Only the first case yields a non-empty code.
func (m *Manager) WaitForPairingCode(ctx context.Context, ownerID string, timeout time.Duration) string {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.PairingPollInterval)
	defer ticker.Stop()

	for {
		conn, ok := m.registry.Get(ownerID)
		switch {
		case ok && conn.IsReady:
			return ""
		case ok && conn.PairingCode != "":
			return conn.PairingCode
		case !ok && !m.InProgress(ownerID):
			return ""
		}

		select {
		case <-ctx.Done():
			return ""
		case <-deadline.C:
			return ""
		case <-ticker.C:
		}
	}
}

// Status reports the owner's current connection state.
func (m *Manager) Status(ownerID string) StatusUpdate {
	conn, ok := m.registry.Get(ownerID)
	if !ok {
		if m.InProgress(ownerID) {
			return StatusUpdate{State: string(StateConnecting)}
		}
		return StatusUpdate{State: StatusNotConnected}
	}
	return StatusUpdate{
		IsConnected: conn.IsReady,
		State:       string(conn.State),
		PairingCode: conn.PairingCode,
	}
}

// IsUsable reports whether the owner can send right now.
func (m *Manager) IsUsable(ownerID string) bool {
	return m.registry.IsUsable(ownerID)
}

// SendMessage delivers text to a recipient through the owner's live session.
func (m *Manager) SendMessage(ctx context.Context, ownerID, recipient, text string) (*SendResult, error) {
	conn, ok := m.registry.Get(ownerID)
	if !ok || conn.State != StateReady {
		return nil, appErrors.NewNotConnected(ownerID)
	}

	to, err := m.normalizer.Normalize(recipient)
	if err != nil {
		return nil, err
	}

	if err := m.limiter(ownerID).Wait(ctx); err != nil {
		return nil, appErrors.NewTransientSend(err)
	}

	res, err := conn.Session.SendMessage(ctx, to, text)
	if err != nil {
		if appErrors.IsPermanent(err) {
			return nil, err
		}
		return nil, appErrors.NewTransientSend(err)
	}
	return res, nil
}

func (m *Manager) limiter(ownerID string) *rate.Limiter {
	if l, ok := m.limiters.Load(ownerID); ok {
		return l.(*rate.Limiter)
	}
	limit := rate.Inf
	if m.opts.SendRatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(m.opts.SendRatePerMinute))
	}
	l, _ := m.limiters.LoadOrStore(ownerID, rate.NewLimiter(limit, 1))
	return l.(*rate.Limiter)
}

func (m *Manager) notify(ownerID string, connected bool, state, code string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ownerID, StatusUpdate{IsConnected: connected, State: state, PairingCode: code})
}

func (m *Manager) persistConnected(ownerID string, connected bool) {
	if m.owners == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.owners.SetWhatsAppConnected(ctx, ownerID, connected); err != nil {
			m.log.WithField("owner_id", ownerID).WithError(err).Warn("⚠️ failed to persist connection flag")
		}
	}()
}

// sleep waits d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
