// internal/model/contact.go
package model

type Contact struct {
	ID       string `db:"id" json:"id"`
	OwnerID  string `db:"owner_id" json:"owner_id"`
	Name     string `db:"name" json:"name"`
	Phone    string `db:"phone" json:"phone"`
	IsActive bool   `db:"is_active" json:"is_active"`
}
