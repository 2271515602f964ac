// internal/handler/whatsapp_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/bulkwa-backend/internal/connection"
	"github.com/unclebandit/bulkwa-backend/internal/controller"
	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/repository"
)

// Connections is the lifecycle surface the connection routes drive.
type Connections interface {
	CreateConnection(ctx context.Context, ownerID string, settings model.Settings) (*connection.ConnectResult, error)
	StartConnection(ownerID string, settings model.Settings) error
	StartRestore(ownerID string, settings model.Settings) error
	GetPairingCode(ownerID string) string
	WaitForPairingCode(ctx context.Context, ownerID string, timeout time.Duration) string
	Disconnect(ownerID string) bool
	Status(ownerID string) connection.StatusUpdate
	SendMessage(ctx context.Context, ownerID, recipient, text string) (*connection.SendResult, error)
}

// PushServer upgrades a request into an owner's notification stream.
type PushServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, ownerID string)
}

// WhatsAppHandler holds the dependencies for the connection routes
type WhatsAppHandler struct {
	Connections   Connections
	Owners        repository.OwnerRepositoryInterface
	Push          PushServer
	QRWaitTimeout time.Duration
}

func NewWhatsAppHandler(conns Connections, owners repository.OwnerRepositoryInterface, push PushServer, qrWait time.Duration) *WhatsAppHandler {
	return &WhatsAppHandler{Connections: conns, Owners: owners, Push: push, QRWaitTimeout: qrWait}
}

// Routes mounts the connection endpoints. Callers wrap them with RequireOwner.
func (h *WhatsAppHandler) Routes(r chi.Router) {
	r.Post("/connect", h.Connect)
	r.Get("/status", h.Status)
	r.Get("/qr", h.PairingCode)
	r.Post("/disconnect", h.Disconnect)
	r.Post("/test-message", h.TestMessage)
	r.Get("/ws", h.WebSocket)
}

func (h *WhatsAppHandler) owner(ctx context.Context, ownerID string) *model.Owner {
	if h.Owners == nil {
		return nil
	}
	o, err := h.Owners.GetByID(ctx, ownerID)
	if err != nil {
		logrus.WithField("owner_id", ownerID).WithError(err).Warn("⚠️ failed to load owner")
		return nil
	}
	return o
}

func (h *WhatsAppHandler) settings(ctx context.Context, ownerID string) model.Settings {
	if o := h.owner(ctx, ownerID); o != nil {
		return o.Settings
	}
	return model.Settings{}
}

// Connect waits a bounded time for a pairing code or readiness. With
// ?mode=async it only admits the attempt; results arrive over the websocket.
func (h *WhatsAppHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ownerID := controller.OwnerID(r)
	settings := h.settings(r.Context(), ownerID)

	logger := logrus.WithField("owner_id", ownerID)

	if r.URL.Query().Get("mode") == "async" {
		if err := h.Connections.StartConnection(ownerID, settings); err != nil {
			controller.WriteError(w, r, err)
			return
		}
		logger.Info("📲 connection attempt started")
		controller.WriteJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"status":  connection.ConnectConnecting,
			"message": "Connection started, listen on the websocket for updates",
		})
		return
	}

	result, err := h.Connections.CreateConnection(r.Context(), ownerID, settings)
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	logger.WithField("status", result.Status).Info("📲 connect finished")
	controller.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  result.Status,
		"qr":      result.PairingCode,
		"message": result.Message,
	})
}

// Status reports the live state and restores owners that were connected
// before a restart.
func (h *WhatsAppHandler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID := controller.OwnerID(r)
	st := h.Connections.Status(ownerID)

	if st.State == connection.StatusNotConnected {
		if o := h.owner(r.Context(), ownerID); o != nil && o.WhatsAppConnected {
			var notConnected *appErrors.ErrNotConnected
			switch err := h.Connections.StartRestore(ownerID, o.Settings); {
			case err == nil:
				st.State = connection.StatusRestoring
			case errors.As(err, &notConnected):
				// nothing stored to restore; the flag is cleared by the manager
			default:
				st.State = string(connection.StateConnecting)
			}
		}
	}

	controller.WriteJSON(w, http.StatusOK, map[string]any{
		"isConnected":    st.IsConnected,
		"state":          st.State,
		"hasPairingCode": st.PairingCode != "",
	})
}

// PairingCode returns the current code, waiting briefly for one to appear.
func (h *WhatsAppHandler) PairingCode(w http.ResponseWriter, r *http.Request) {
	ownerID := controller.OwnerID(r)

	code := h.Connections.GetPairingCode(ownerID)
	if code == "" {
		code = h.Connections.WaitForPairingCode(r.Context(), ownerID, h.QRWaitTimeout)
	}
	if code != "" {
		controller.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "qr": code})
		return
	}

	st := h.Connections.Status(ownerID)
	if st.IsConnected {
		controller.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "qr": nil, "isConnected": true})
		return
	}
	controller.WriteJSON(w, http.StatusNotFound, map[string]any{
		"success": false,
		"error":   "no pairing code available",
		"state":   st.State,
	})
}

func (h *WhatsAppHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	ownerID := controller.OwnerID(r)
	existed := h.Connections.Disconnect(ownerID)

	if h.Owners != nil {
		if err := h.Owners.SetWhatsAppConnected(r.Context(), ownerID, false); err != nil {
			logrus.WithField("owner_id", ownerID).WithError(err).Warn("⚠️ failed to clear connected flag")
		}
	}

	logrus.WithFields(logrus.Fields{"owner_id": ownerID, "existed": existed}).Info("🔌 disconnected")
	controller.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "wasConnected": existed})
}

type testMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (t testMessageRequest) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Phone, validation.Required, validation.Length(5, 20)),
		validation.Field(&t.Message, validation.Required, validation.Length(1, 4096)),
	)
}

func (h *WhatsAppHandler) TestMessage(w http.ResponseWriter, r *http.Request) {
	var body testMessageRequest
	if err := controller.DecodeJSON(r, &body); err != nil {
		controller.WriteError(w, r, err)
		return
	}
	if err := body.Validate(); err != nil {
		controller.WriteError(w, r, controller.ValidationError(err))
		return
	}

	res, err := h.Connections.SendMessage(r.Context(), controller.OwnerID(r), body.Phone, body.Message)
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": res.MessageID,
		"timestamp": res.Timestamp,
	})
}

func (h *WhatsAppHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.Push == nil {
		controller.WriteError(w, r, appErrors.NewInternal("websocket", errNoPush))
		return
	}
	h.Push.ServeWS(w, r, controller.OwnerID(r))
}
