package backend

import (
	"encoding/json"

	"github.com/tutorlane/chatd/internal/store"
)

// Wire DTOs mirror the tutoring-platform JSON contract.

type wireChat struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	CounterpartID   string `json:"counterpartId"`
	CounterpartName string `json:"counterpartName"`
	IsActive        bool   `json:"isActive"`
	UnreadCount     int    `json:"unreadCount"`
	LastMessageAt   int64  `json:"lastMessageAt"`
	LastMessage     string `json:"lastMessage"`
}

type wireMessage struct {
	ID            string `json:"id"`
	ChatID        string `json:"chatId"`
	TempID        string `json:"tempId,omitempty"`
	SenderID      string `json:"senderId"`
	SenderName    string `json:"senderName"`
	Type          string `json:"type"`
	Content       string `json:"content"`
	AppointmentID string `json:"appointmentId,omitempty"`
	Status        string `json:"status"`
	SentAt        int64  `json:"sentAt"`
}

type wireAppointment struct {
	ID              string `json:"id"`
	ChatID          string `json:"chatId"`
	MessageID       string `json:"messageId"`
	RequesterID     string `json:"requesterId"`
	StartsAt        int64  `json:"startsAt"`
	DurationMinutes int    `json:"durationMinutes"`
	Location        string `json:"location"`
	Status          string `json:"status"`
	TeacherReady    *bool  `json:"teacherReady"`
	StudentReady    *bool  `json:"studentReady"`
}

// Receipt is a delivery-status change for one message.
type Receipt struct {
	ChatID string `json:"chatId"`
	MsgID  string `json:"messageId"`
	Status string `json:"status"`
}

// Typing signals that a user started or refreshed typing in a chat.
type Typing struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Presence carries a user's availability as computed by the platform.
type Presence struct {
	UserID     string `json:"userId"`
	ChatID     string `json:"chatId"`
	Status     string `json:"status"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// envelope is one frame off the event stream. Exactly one payload field is
// populated, selected by Type.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	frameMessage     = "message"
	frameReceipt     = "receipt"
	frameTyping      = "typing"
	framePresence    = "presence"
	frameAppointment = "appointment"
)

func (m *wireMessage) toStore(selfID string) *store.Message {
	return &store.Message{
		ChatID:        m.ChatID,
		MsgID:         m.ID,
		TempID:        m.TempID,
		SenderID:      m.SenderID,
		SenderName:    m.SenderName,
		Kind:          m.Type,
		Content:       m.Content,
		AppointmentID: m.AppointmentID,
		Status:        m.Status,
		FromMe:        m.SenderID == selfID,
		SentAt:        m.SentAt,
	}
}

func (c *wireChat) toStore() *store.Chat {
	return &store.Chat{
		ID:                 c.ID,
		Title:              c.Title,
		CounterpartID:      c.CounterpartID,
		CounterpartName:    c.CounterpartName,
		IsActive:           c.IsActive,
		UnreadCount:        c.UnreadCount,
		LastMessageAt:      c.LastMessageAt,
		LastMessagePreview: c.LastMessage,
	}
}
