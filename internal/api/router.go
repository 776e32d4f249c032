package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/backend"
	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/conversation"
	"github.com/tutorlane/chatd/internal/errs"
	"github.com/tutorlane/chatd/internal/outbox"
	"github.com/tutorlane/chatd/internal/presence"
	"github.com/tutorlane/chatd/internal/status"
	"github.com/tutorlane/chatd/internal/store"
	"github.com/tutorlane/chatd/internal/sync"
)

// Handler serves the daemon's local control API over the session socket.
type Handler struct {
	session      string
	db           *store.DB
	bus          *bus.Bus
	machine      *status.Machine
	sender       *outbox.Sender
	coordinator  *sync.Coordinator
	appointments *appointment.Engine
	tracker      *presence.Tracker
	client       *backend.Client
	views        *conversation.Manager
	log          *zap.Logger
	validate     *validator.Validate
	cancel       context.CancelFunc
}

func NewHandler(
	session string,
	db *store.DB,
	b *bus.Bus,
	machine *status.Machine,
	sender *outbox.Sender,
	coordinator *sync.Coordinator,
	appointments *appointment.Engine,
	tracker *presence.Tracker,
	client *backend.Client,
	log *zap.Logger,
) *Handler {
	views := conversation.NewManager(client.SelfID)
	views.OnDispose = tracker.ClearChat
	return &Handler{
		session:      session,
		db:           db,
		bus:          b,
		machine:      machine,
		sender:       sender,
		coordinator:  coordinator,
		appointments: appointments,
		tracker:      tracker,
		client:       client,
		views:        views,
		log:          log.Named("api"),
		validate:     validator.New(),
	}
}

// Router builds the chi route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", h.getStatus)
	r.Get("/v1/events", h.watchEvents)
	r.Get("/v1/search", h.searchMessages)

	r.Route("/v1/chats", func(r chi.Router) {
		r.Get("/", h.listChats)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/messages", h.listMessages)
			r.Post("/messages", h.sendMessage)
			r.Post("/read", h.markRead)
			r.Get("/typing", h.getTyping)
			r.Post("/open", h.openChat)
			r.Post("/close", h.closeChat)
		})
	})

	r.Route("/v1/messages/{tempID}", func(r chi.Router) {
		r.Post("/retry", h.retryMessage)
		r.Delete("/", h.discardMessage)
	})

	r.Route("/v1/appointments", func(r chi.Router) {
		r.Get("/", h.listAppointments)
		r.Post("/", h.createAppointment)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/respond", h.respondAppointment)
			r.Post("/complete", h.completeAppointment)
			r.Delete("/", h.deleteAppointment)
		})
	})

	return r
}

func (h *Handler) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("malformed request body")
	}
	if err := h.validate.Struct(v); err != nil {
		return errs.Validation(err.Error())
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeErr maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		h.log.Error("unclassified error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: string(errs.CodeInternal)})
		return
	}
	var code int
	switch e.Code {
	case errs.CodeValidation:
		code = http.StatusBadRequest
	case errs.CodeAuth:
		code = http.StatusUnauthorized
	case errs.CodeConflict, errs.CodeStaleData:
		code = http.StatusConflict
	case errs.CodeNetwork:
		code = http.StatusBadGateway
	default:
		code = http.StatusInternalServerError
	}
	if code >= 500 {
		h.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: e.Message, Code: string(e.Code)})
}
