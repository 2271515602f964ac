// Package whatsapp implements connection sessions on top of whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"github.com/unclebandit/bulkwa-backend/internal/connection"
	"github.com/unclebandit/bulkwa-backend/internal/model"
)

const DefaultDeviceName = "Bulk Campaigns"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SetDeviceName sets the name shown under Linked Devices for every owner.
// The value is process-wide in whatsmeow, so call it once before any session
// is created.
func SetDeviceName(name string) {
	if name == "" {
		name = DefaultDeviceName
	}
	store.SetOSInfo(name, [3]uint32{1, 0, 0})
}

// Factory creates one whatsmeow client per owner, each with its own sqlite
// credential store under Dir.
type Factory struct {
	Dir string
	log *logrus.Entry
}

func NewFactory(dir string, log *logrus.Entry) *Factory {
	return &Factory{Dir: dir, log: log}
}

// SessionDir is the per-owner artifact directory.
func (f *Factory) SessionDir(ownerID string) string {
	return filepath.Join(f.Dir, "session-"+unsafeChars.ReplaceAllString(ownerID, "_"))
}

func (f *Factory) NewSession(ownerID string, settings model.Settings, emit func(connection.Event)) (connection.Session, error) {
	dir := f.SessionDir(ownerID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := f.log.WithField("owner_id", ownerID)

	dbURI := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, "session.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dbURI, NewLogger(entry).Sub("Database"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		cancel()
		container.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(device, NewLogger(entry).Sub("Client"))
	client.EnableAutoReconnect = true

	s := &Session{
		ownerID:   ownerID,
		client:    client,
		container: container,
		emit:      emit,
		ctx:       ctx,
		cancel:    cancel,
		log:       entry,
	}
	client.AddEventHandler(s.handleEvent)
	return s, nil
}

// PurgeArtifacts deletes the owner's stored credentials.
func (f *Factory) PurgeArtifacts(ownerID string) error {
	return os.RemoveAll(f.SessionDir(ownerID))
}

// HasArtifacts reports whether credentials exist on disk for the owner.
func (f *Factory) HasArtifacts(ownerID string) bool {
	_, err := os.Stat(filepath.Join(f.SessionDir(ownerID), "session.db"))
	return err == nil
}

var _ connection.SessionFactory = (*Factory)(nil)
