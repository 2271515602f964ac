// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCampaignNotFound is returned when a campaign does not exist or is not owned by the caller
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrValidation covers bad request shapes: missing fields, recipient count mismatch.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ErrValidation{Field: field, Reason: reason}
}

// ErrNotConnected means the owner has no usable messaging connection.
// Job-level occurrences are terminal.
type ErrNotConnected struct {
	OwnerID string
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("whatsapp is not connected for owner %s", e.OwnerID)
}

func NewNotConnected(ownerID string) error {
	return &ErrNotConnected{OwnerID: ownerID}
}

// ErrTransientSend wraps network and timeout failures from the messaging client.
type ErrTransientSend struct {
	Err error
}

func (e *ErrTransientSend) Error() string {
	return "transient send failure: " + e.Err.Error()
}

func (e *ErrTransientSend) Unwrap() error { return e.Err }

func NewTransientSend(err error) error {
	return &ErrTransientSend{Err: err}
}

// ErrAuth means pairing was rejected or the stored session was invalidated.
type ErrAuth struct {
	OwnerID string
	Reason  string
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("authentication failed for owner %s: %s", e.OwnerID, e.Reason)
}

func NewAuth(ownerID, reason string) error {
	return &ErrAuth{OwnerID: ownerID, Reason: reason}
}

// ErrAlreadyInProgress is returned when a connection attempt is already running for the owner
type ErrAlreadyInProgress struct {
	OwnerID string
}

func (e *ErrAlreadyInProgress) Error() string {
	return fmt.Sprintf("connection already in progress for owner %s", e.OwnerID)
}

func NewAlreadyInProgress(ownerID string) error {
	return &ErrAlreadyInProgress{OwnerID: ownerID}
}

// ErrInvalidPhone is returned when a recipient address cannot be normalized
type ErrInvalidPhone struct {
	Input      string
	Normalized string
}

func (e *ErrInvalidPhone) Error() string {
	return fmt.Sprintf("invalid phone number %q (normalized %q)", e.Input, e.Normalized)
}

func NewInvalidPhone(input, normalized string) error {
	return &ErrInvalidPhone{Input: input, Normalized: normalized}
}

// ErrInternal marks unexpected failures inside the pipeline.
type ErrInternal struct {
	Op  string
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Op, e.Err)
}

func (e *ErrInternal) Unwrap() error { return e.Err }

func NewInternal(op string, err error) error {
	return &ErrInternal{Op: op, Err: err}
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	var notConnected *ErrNotConnected
	var invalidPhone *ErrInvalidPhone
	var validation *ErrValidation
	var auth *ErrAuth
	var internal *ErrInternal
	return errors.As(err, &notConnected) ||
		errors.As(err, &invalidPhone) ||
		errors.As(err, &validation) ||
		errors.As(err, &auth) ||
		errors.As(err, &internal)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	var (
		validation   *ErrValidation
		invalidPhone *ErrInvalidPhone
		notFound     *ErrCampaignNotFound
		notConnected *ErrNotConnected
		inProgress   *ErrAlreadyInProgress
		auth         *ErrAuth
		transient    *ErrTransientSend
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &invalidPhone), errors.As(err, &notConnected):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &inProgress):
		return http.StatusConflict
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &transient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
