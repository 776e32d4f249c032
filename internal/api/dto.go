package api

import (
	"github.com/tutorlane/chatd/internal/conversation"
	"github.com/tutorlane/chatd/internal/store"
)

// SendMessageRequest queues one outgoing chat message.
type SendMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
	Type    string `json:"type" validate:"omitempty,oneof=TEXT SYSTEM_MESSAGE"`
}

// SendMessageResponse returns the temp id identifying the optimistic row.
type SendMessageResponse struct {
	TempID string `json:"tempId"`
}

// CreateAppointmentRequest proposes a lesson slot.
type CreateAppointmentRequest struct {
	ChatID      string `json:"chatId" validate:"required"`
	DateTime    string `json:"dateTime" validate:"required"`
	EndDateTime string `json:"endDateTime" validate:"required"`
	Location    string `json:"location" validate:"max=200"`
}

// RespondAppointmentRequest accepts or rejects a pending request.
type RespondAppointmentRequest struct {
	Accepted *bool `json:"accepted" validate:"required"`
}

// CompleteAppointmentRequest records the caller's completion verdict.
type CompleteAppointmentRequest struct {
	Completed *bool `json:"completed" validate:"required"`
}

// StatusResponse reports the daemon's connection state.
type StatusResponse struct {
	Session string `json:"session"`
	State   string `json:"state"`
	Banner  string `json:"banner"`
	SelfID  string `json:"selfId"`
	Role    string `json:"role"`
}

// MessagesResponse pages a chat's history, newest first. Decorations are
// aligned index-for-index with Messages and carry the grouping flags a
// renderer needs (avatar/timestamp visibility).
type MessagesResponse struct {
	Messages    []store.Message           `json:"messages"`
	Decorations []conversation.Decoration `json:"decorations"`
	HasMore     bool                      `json:"hasMore"`
}

// TypingResponse exposes the active-typer state for one chat.
type TypingResponse struct {
	Typers []string `json:"typers"`
	Text   string   `json:"text"`
}

// SearchResponse returns full-text matches with snippets.
type SearchResponse struct {
	Results []store.SearchResult `json:"results"`
}
