package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/unclebandit/bulkwa-backend/internal/model"
)

// ContactRepositoryInterface defines methods used by service
type ContactRepositoryInterface interface {
	GetByIDsForOwner(ctx context.Context, ownerID string, ids []string) ([]*model.Contact, error)
}

type ContactRepository struct {
	DB *sql.DB
}

// GetByIDsForOwner returns the active contacts among ids that belong to ownerID,
// in the order the ids were given.
func (r *ContactRepository) GetByIDsForOwner(ctx context.Context, ownerID string, ids []string) ([]*model.Contact, error) {
	query := `
        SELECT id, owner_id, name, phone, is_active
        FROM contacts
        WHERE owner_id = $1 AND id = ANY($2) AND is_active
        ORDER BY array_position($2, id)
    `
	rows, err := r.DB.QueryContext(ctx, query, ownerID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []*model.Contact{}
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Phone, &c.IsActive); err != nil {
			return nil, err
		}
		contacts = append(contacts, &c)
	}
	return contacts, rows.Err()
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
