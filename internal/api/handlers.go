package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/conversation"
	"github.com/tutorlane/chatd/internal/errs"
	"github.com/tutorlane/chatd/internal/presence"
	"github.com/tutorlane/chatd/internal/store"
)

func (h *Handler) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Session: h.session,
		State:   string(h.machine.Current()),
		Banner:  string(h.machine.Banner()),
		SelfID:  h.client.SelfID(),
		Role:    h.client.Role(),
	})
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	includeArchived := r.URL.Query().Get("archived") == "true"

	chats, err := h.db.ListChats(limit, offset, includeArchived)
	if err != nil {
		h.writeErr(w, errs.Internal("list chats", err))
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	before := queryInt64(r, "before", 0)

	// The newest page of an open chat is served from its in-memory log so
	// reads observe sends and receipts the moment they are applied. Older
	// pages always come from the cache.
	if before == 0 {
		if resp, ok := h.viewPage(chatID, limit); ok {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	msgs, err := h.db.ListMessages(chatID, before, limit)
	if err != nil {
		h.writeErr(w, errs.Internal("list messages", err))
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{
		Messages:    msgs,
		Decorations: decorate(msgs),
		HasMore:     len(msgs) == limit,
	})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req SendMessageRequest
	if err := h.decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	kind := req.Type
	if kind == "" {
		kind = store.KindText
	}
	tempID, err := h.sender.Queue(chatID, kind, req.Content)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	// Stage into an open view right away so a read racing the bus event
	// already sees the pending entry. Staging is idempotent per temp id.
	if row, err := h.db.GetMessage(chatID, tempID); err == nil && row != nil {
		h.views.With(chatID, func(l *conversation.Log) { l.Stage(toLogMessage(*row)) })
	}
	writeJSON(w, http.StatusAccepted, SendMessageResponse{TempID: tempID})
}

func (h *Handler) retryMessage(w http.ResponseWriter, r *http.Request) {
	tempID := chi.URLParam(r, "tempID")
	newTempID, err := h.sender.Retry(tempID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SendMessageResponse{TempID: newTempID})
}

func (h *Handler) discardMessage(w http.ResponseWriter, r *http.Request) {
	tempID := chi.URLParam(r, "tempID")
	if err := h.sender.Discard(tempID); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := h.coordinator.MarkRead(chatID); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getTyping(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	typers := h.tracker.ActiveTypers(chatID, h.client.SelfID(), time.Now())
	names := make([]string, 0, len(typers))
	for _, t := range typers {
		names = append(names, t.UserName)
	}
	writeJSON(w, http.StatusOK, TypingResponse{
		Typers: names,
		Text:   presence.TypingText(typers),
	})
}

func (h *Handler) searchMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeErr(w, errs.Validation("missing query parameter q"))
		return
	}
	chatID := r.URL.Query().Get("chat")
	limit := queryInt(r, "limit", 50)

	results, err := h.db.SearchMessages(query, chatID, limit)
	if err != nil {
		h.writeErr(w, errs.Internal("search messages", err))
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

func (h *Handler) listAppointments(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat")
	if chatID == "" {
		h.writeErr(w, errs.Validation("missing query parameter chat"))
		return
	}
	apts, err := h.appointments.List(chatID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if apts == nil {
		apts = []appointment.Appointment{}
	}
	writeJSON(w, http.StatusOK, apts)
}

func (h *Handler) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	start, err := time.Parse(time.RFC3339, req.DateTime)
	if err != nil {
		h.writeErr(w, errs.Validation("dateTime must be RFC 3339"))
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndDateTime)
	if err != nil {
		h.writeErr(w, errs.Validation("endDateTime must be RFC 3339"))
		return
	}
	a, err := h.appointments.Create(r.Context(), appointment.CreateRequest{
		ChatID:      req.ChatID,
		DateTime:    start,
		EndDateTime: end,
		Location:    req.Location,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) respondAppointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req RespondAppointmentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	if err := h.appointments.Respond(r.Context(), id, *req.Accepted); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) completeAppointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req CompleteAppointmentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	party := appointment.Student
	if h.client.Role() == "teacher" {
		party = appointment.Teacher
	}
	if err := h.appointments.Complete(r.Context(), id, party, *req.Completed); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.appointments.Delete(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// openChat mounts a conversation view: the in-memory log is created and
// seeded with the newest page so subsequent incoming batches have a live
// target. Re-opening an already-open chat is a no-op.
func (h *Handler) openChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	msgs, err := h.db.ListMessages(chatID, 0, 50)
	if err != nil {
		h.writeErr(w, errs.Internal("load chat for view", err))
		return
	}
	l := h.views.Init(chatID)
	l.LoadInitial(toLogMessages(msgs), len(msgs) == 50)
	w.WriteHeader(http.StatusNoContent)
}

// closeChat unmounts a conversation view. The log is dropped so an
// orphaned poll finishing late has nothing to write into, and the chat's
// typing state is cleared via the dispose hook.
func (h *Handler) closeChat(w http.ResponseWriter, r *http.Request) {
	h.views.Dispose(chi.URLParam(r, "chatID"))
	w.WriteHeader(http.StatusNoContent)
}

// toLogMessage converts a cache row into a log entry. Optimistic rows use
// the temp id as their msg_id placeholder in the cache; the log keys them
// by temp id only.
func toLogMessage(m store.Message) conversation.Message {
	lm := conversation.Message{
		ID:            m.MsgID,
		TempID:        m.TempID,
		ChatID:        m.ChatID,
		SenderID:      m.SenderID,
		SenderName:    m.SenderName,
		Kind:          m.Kind,
		Content:       m.Content,
		AppointmentID: m.AppointmentID,
		SentAt:        time.UnixMilli(m.SentAt),
		Status:        conversation.Status(m.Status),
		IsOptimistic:  m.IsOptimistic,
		Error:         m.ErrorMessage,
	}
	if m.IsOptimistic {
		lm.ID = ""
	}
	return lm
}

// toLogMessages converts a newest-first cache page into the oldest-first
// order the log expects.
func toLogMessages(msgs []store.Message) []conversation.Message {
	out := make([]conversation.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = toLogMessage(m)
	}
	return out
}

func fromLogMessage(m conversation.Message, selfID string) store.Message {
	sm := store.Message{
		ChatID:        m.ChatID,
		MsgID:         m.ID,
		TempID:        m.TempID,
		SenderID:      m.SenderID,
		SenderName:    m.SenderName,
		Kind:          m.Kind,
		Content:       m.Content,
		AppointmentID: m.AppointmentID,
		Status:        string(m.Status),
		FromMe:        m.IsOptimistic || (selfID != "" && m.SenderID == selfID),
		IsOptimistic:  m.IsOptimistic,
		ErrorMessage:  m.Error,
		SentAt:        m.SentAt.UnixMilli(),
	}
	if sm.MsgID == "" {
		sm.MsgID = m.TempID
	}
	return sm
}

// viewPage serves the newest page of a mounted chat from its log. Returns
// false when the chat is not open.
func (h *Handler) viewPage(chatID string, limit int) (MessagesResponse, bool) {
	var resp MessagesResponse
	selfID := h.client.SelfID()
	ok := h.views.With(chatID, func(l *conversation.Log) {
		asc := l.Messages()
		hasMore := l.HasMore()
		if len(asc) > limit {
			asc = asc[len(asc)-limit:]
			hasMore = true
		}
		decs := conversation.Decorate(asc)
		msgs := make([]store.Message, len(asc))
		flipped := make([]conversation.Decoration, len(decs))
		for i, m := range asc {
			msgs[len(asc)-1-i] = fromLogMessage(m, selfID)
			flipped[len(decs)-1-i] = decs[i]
		}
		resp = MessagesResponse{Messages: msgs, Decorations: flipped, HasMore: hasMore}
	})
	return resp, ok
}

// decorate computes grouping flags for a newest-first page. The grouping
// rules read oldest first, so the page is flipped for the computation and
// the result flipped back to stay index-aligned with the response.
func decorate(msgs []store.Message) []conversation.Decoration {
	asc := make([]conversation.Message, len(msgs))
	for i, m := range msgs {
		asc[len(msgs)-1-i] = conversation.Message{
			ID:       m.MsgID,
			SenderID: m.SenderID,
			SentAt:   time.UnixMilli(m.SentAt),
		}
	}
	decs := conversation.Decorate(asc)
	out := make([]conversation.Decoration, len(decs))
	for i, d := range decs {
		out[len(decs)-1-i] = d
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
