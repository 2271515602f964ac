package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/unclebandit/bulkwa-backend/internal/connection"
)

var errNotLoggedIn = errors.New("whatsapp client is not connected")

// Session wraps a whatsmeow client and translates its events into
// connection lifecycle events.
type Session struct {
	ownerID   string
	client    *whatsmeow.Client
	container *sqlstore.Container
	emit      func(connection.Event)
	ctx       context.Context
	cancel    context.CancelFunc
	log       *logrus.Entry

	mu          sync.Mutex
	destroyOnce sync.Once
}

// Initialize connects the client. Unpaired devices get a QR channel first.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("session destroyed: %w", err)
	}
	if s.client.IsConnected() {
		return nil
	}

	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(s.ctx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		if qrChan != nil {
			go s.consumeQR(qrChan)
		}
	}

	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (s *Session) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for evt := range ch {
		switch evt.Event {
		case "code":
			s.emit(connection.Event{Kind: connection.EventPairingCode, Code: RenderPairingCode(evt.Code)})
		case "success":
			s.log.Info("📲 QR code scanned")
		case "timeout":
			s.emit(connection.Event{Kind: connection.EventDisconnected, Reason: "pairing codes expired"})
		default:
			reason := evt.Event
			if evt.Error != nil {
				reason = evt.Error.Error()
			}
			s.emit(connection.Event{Kind: connection.EventAuthFailure, Reason: reason})
		}
	}
}

func (s *Session) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		s.emit(connection.Event{Kind: connection.EventReady})
	case *events.PairSuccess:
		s.log.WithField("jid", v.ID.String()).Info("🤝 paired with device")
	case *events.PairError:
		s.emit(connection.Event{Kind: connection.EventAuthFailure, Reason: fmt.Sprintf("pair error: %v", v.Error)})
	case *events.LoggedOut:
		s.emit(connection.Event{Kind: connection.EventAuthFailure, Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.ClientOutdated:
		s.emit(connection.Event{Kind: connection.EventAuthFailure, Reason: "client outdated"})
	case *events.StreamReplaced:
		s.emit(connection.Event{Kind: connection.EventDisconnected, Reason: "stream replaced"})
	case *events.TemporaryBan:
		s.emit(connection.Event{Kind: connection.EventDisconnected, Reason: fmt.Sprintf("temporary ban: %v", v.Code)})
	case *events.ConnectFailure:
		s.emit(connection.Event{Kind: connection.EventDisconnected, Reason: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)})
	case *events.Disconnected:
		// The client reconnects on its own; a dead session surfaces as a send failure.
		s.log.Warn("⚠️ websocket dropped, waiting for auto-reconnect")
	case *events.KeepAliveTimeout:
		s.log.WithField("error_count", v.ErrorCount).Debug("keepalive timeout")
	}
}

// SendMessage sends a plain text message to an international phone number.
func (s *Session) SendMessage(ctx context.Context, to, text string) (*connection.SendResult, error) {
	if !s.client.IsConnected() || !s.client.IsLoggedIn() {
		return nil, errNotLoggedIn
	}

	jid := types.NewJID(to, types.DefaultUserServer)
	resp, err := s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	ts := resp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &connection.SendResult{MessageID: resp.ID, Timestamp: ts}, nil
}

// Destroy disconnects the client and closes its credential store.
func (s *Session) Destroy() error {
	var err error
	s.destroyOnce.Do(func() {
		s.cancel()
		s.client.Disconnect()
		err = s.container.Close()
	})
	return err
}

var _ connection.Session = (*Session)(nil)
