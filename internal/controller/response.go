package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
)

// OwnerHeader carries the authenticated owner id, set by the upstream gateway.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

// RequireOwner rejects requests without an owner id and stores it in the context.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.Header.Get(OwnerHeader)
		if ownerID == "" {
			ownerID = r.URL.Query().Get("ownerId")
		}
		if err := validation.Validate(ownerID, validation.Required, validation.Length(1, 128)); err != nil {
			WriteError(w, r, appErrors.NewAuth(ownerID, "missing or invalid owner id"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
	})
}

func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerID returns the owner stored by RequireOwner.
func OwnerID(r *http.Request) string {
	id, _ := r.Context().Value(ownerKey{}).(string)
	return id
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteError answers with the status mapped from err and a JSON error body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"path":     r.URL.Path,
			"owner_id": OwnerID(r),
		}).WithError(err).Error("❌ request failed")
	}

	body := map[string]any{"success": false, "error": err.Error()}
	var verr *appErrors.ErrValidation
	if errors.As(err, &verr) && verr.Field != "" {
		body["field"] = verr.Field
	}
	WriteJSON(w, status, body)
}

// DecodeJSON reads the request body into dst.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.NewValidation("", "invalid body: "+err.Error())
	}
	return nil
}

// ValidationError turns ozzo errors into the first failing field.
func ValidationError(err error) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if errors.As(err, &errs) && len(errs) > 0 {
		fields := make([]string, 0, len(errs))
		for f := range errs {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		return appErrors.NewValidation(fields[0], errs[fields[0]].Error())
	}
	return appErrors.NewValidation("", err.Error())
}

// QueryInt parses a positive integer query parameter, or returns def.
func QueryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}
