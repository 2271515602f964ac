package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/unclebandit/bulkwa-backend/internal/model"
)

type OwnerRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Owner, error)
	SetWhatsAppConnected(ctx context.Context, id string, connected bool) error
	ListConnected(ctx context.Context) ([]*model.Owner, error)
}

type OwnerRepository struct {
	DB *sql.DB
}

const ownerColumns = `id, name, settings, whatsapp_connected, last_connected_at, created_at`

func scanOwner(row rowScanner) (*model.Owner, error) {
	var o model.Owner
	var settings []byte
	if err := row.Scan(&o.ID, &o.Name, &settings, &o.WhatsAppConnected, &o.LastConnectedAt, &o.CreatedAt); err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &o.Settings); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

// GetByID returns nil, nil when the owner does not exist.
func (r *OwnerRepository) GetByID(ctx context.Context, id string) (*model.Owner, error) {
	o, err := scanOwner(r.DB.QueryRowContext(ctx, `SELECT `+ownerColumns+` FROM owners WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (r *OwnerRepository) SetWhatsAppConnected(ctx context.Context, id string, connected bool) error {
	query := `
        UPDATE owners
        SET whatsapp_connected = $2,
            last_connected_at = CASE WHEN $2 THEN NOW() ELSE last_connected_at END
        WHERE id = $1
    `
	_, err := r.DB.ExecContext(ctx, query, id, connected)
	return err
}

func (r *OwnerRepository) ListConnected(ctx context.Context) ([]*model.Owner, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ownerColumns+` FROM owners WHERE whatsapp_connected ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owners := []*model.Owner{}
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

var _ OwnerRepositoryInterface = (*OwnerRepository)(nil)
