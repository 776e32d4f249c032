package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/config"
	"github.com/tutorlane/chatd/internal/errs"
	"github.com/tutorlane/chatd/internal/store"
)

// User is the authenticated platform account.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// SendRequest carries an outgoing message.
type SendRequest struct {
	ChatID        string `json:"chatId"`
	TempID        string `json:"tempId"`
	Type          string `json:"type"`
	Content       string `json:"content"`
	AppointmentID string `json:"appointmentId,omitempty"`
}

// SendResult is the server's acknowledgement of a send: the assigned id and
// the authoritative timestamp that replaces the optimistic one.
type SendResult struct {
	MsgID  string `json:"id"`
	SentAt int64  `json:"sentAt"`
}

// Batch is one poll result: everything that happened since the cursor.
type Batch struct {
	Cursor       string
	Messages     []*store.Message
	Receipts     []Receipt
	Appointments []appointment.Appointment
	Typing       []Typing
	Presence     []Presence
}

// Client talks to the tutoring-platform HTTP API. The bearer token is read
// from disk on every request so the external auth helper can rotate it
// without restarting the daemon.
type Client struct {
	base      string
	tokenPath string
	http      *http.Client
	log       *zap.Logger

	mu     sync.RWMutex
	selfID string
	role   string
}

func NewClient(cfg config.API, log *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		tokenPath: cfg.TokenPath,
		http:      &http.Client{Timeout: timeout},
		log:       log.Named("backend"),
	}
}

// SelfID returns the authenticated user id, empty before the first Me call.
func (c *Client) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// Role returns the account's platform role (teacher or student), empty
// before the first Me call.
func (c *Client) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Me fetches the authenticated profile and remembers the account id and
// role for from-me attribution and completion-party mapping.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &u); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.selfID = u.ID
	c.role = u.Role
	c.mu.Unlock()
	return &u, nil
}

// ListChats fetches the chat list aggregate.
func (c *Client) ListChats(ctx context.Context) ([]*store.Chat, error) {
	var raw []wireChat
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]*store.Chat, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].toStore())
	}
	return out, nil
}

// ListMessages pages a chat's history backwards from the given timestamp.
func (c *Client) ListMessages(ctx context.Context, chatID string, before int64, limit int) ([]*store.Message, error) {
	path := fmt.Sprintf("/api/chats/%s/messages?before=%d&limit=%d", chatID, before, limit)
	var raw []wireMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	self := c.SelfID()
	out := make([]*store.Message, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].toStore(self))
	}
	return out, nil
}

// SendMessage submits one outgoing message and returns the server
// acknowledgement.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	var res SendResult
	if err := c.do(ctx, http.MethodPost, "/api/chats/"+req.ChatID+"/messages", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MarkChatRead reports the chat as read. Callers treat this as
// fire-and-forget.
func (c *Client) MarkChatRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/read", nil, nil)
}

// Poll fetches everything since the cursor. An empty cursor starts from the
// server's horizon.
func (c *Client) Poll(ctx context.Context, cursor string) (*Batch, error) {
	var raw struct {
		Cursor       string            `json:"cursor"`
		Messages     []wireMessage     `json:"messages"`
		Receipts     []Receipt         `json:"receipts"`
		Appointments []wireAppointment `json:"appointments"`
		Typing       []Typing          `json:"typing"`
		Presence     []Presence        `json:"presence"`
	}
	path := "/api/sync"
	if cursor != "" {
		path += "?cursor=" + cursor
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	b := &Batch{
		Cursor:   raw.Cursor,
		Receipts: raw.Receipts,
		Typing:   raw.Typing,
		Presence: raw.Presence,
	}
	self := c.SelfID()
	for i := range raw.Messages {
		b.Messages = append(b.Messages, raw.Messages[i].toStore(self))
	}
	for i := range raw.Appointments {
		b.Appointments = append(b.Appointments, raw.Appointments[i].toDomain())
	}
	return b, nil
}

// CreateAppointment creates a scheduling request on the platform.
func (c *Client) CreateAppointment(ctx context.Context, req appointment.CreateRequest) (*appointment.Appointment, error) {
	body := map[string]any{
		"chatId":      req.ChatID,
		"dateTime":    req.DateTime.UTC().Format(time.RFC3339),
		"endDateTime": req.EndDateTime.UTC().Format(time.RFC3339),
		"location":    req.Location,
	}
	var raw wireAppointment
	if err := c.do(ctx, http.MethodPost, "/api/appointments", body, &raw); err != nil {
		return nil, err
	}
	a := raw.toDomain()
	return &a, nil
}

// RespondAppointment accepts or rejects a pending request.
func (c *Client) RespondAppointment(ctx context.Context, id string, accepted bool) error {
	body := map[string]any{"appointmentId": id, "accepted": accepted}
	return c.do(ctx, http.MethodPost, "/api/appointments/"+id+"/respond", body, nil)
}

// CompleteAppointment records the caller's completion verdict.
func (c *Client) CompleteAppointment(ctx context.Context, id string, completed bool) error {
	body := map[string]any{"appointmentId": id, "completed": completed}
	return c.do(ctx, http.MethodPost, "/api/appointments/"+id+"/complete", body, nil)
}

// DeleteAppointment removes an appointment.
func (c *Client) DeleteAppointment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/appointments/"+id, nil, nil)
}

// HasAppointmentOnDate runs the server side of the date-conflict check.
func (c *Client) HasAppointmentOnDate(ctx context.Context, chatID string, date time.Time) (bool, error) {
	path := fmt.Sprintf("/api/appointments/conflict?chatId=%s&date=%s", chatID, date.Format("2006-01-02"))
	var res struct {
		HasAppointment bool `json:"hasAppointment"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return false, err
	}
	return res.HasAppointment, nil
}

func (c *Client) token() (string, error) {
	raw, err := os.ReadFile(c.tokenPath)
	if err != nil {
		return "", errs.Auth("no access token; run the login helper", err)
	}
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return "", errs.Auth("access token file is empty", nil)
	}
	return tok, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	tok, err := c.token()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errs.Internal("encode request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errs.Internal("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Network("platform unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Internal("decode response", err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	msg := serverMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Auth(orMsg(msg, "authentication rejected"), nil)
	case resp.StatusCode == http.StatusConflict:
		return errs.Conflict(orMsg(msg, "resource conflict"))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return errs.Validation(orMsg(msg, "request rejected"))
	case resp.StatusCode >= 500:
		return errs.Network(orMsg(msg, fmt.Sprintf("platform error (%d)", resp.StatusCode)), nil)
	default:
		return errs.Internal(fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, msg), nil)
	}
}

func serverMessage(body io.Reader) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&e); err != nil {
		return ""
	}
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

func orMsg(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func (w *wireAppointment) toDomain() appointment.Appointment {
	return appointment.Appointment{
		ID:              w.ID,
		ChatID:          w.ChatID,
		MessageID:       w.MessageID,
		RequesterID:     w.RequesterID,
		StartsAt:        time.UnixMilli(w.StartsAt),
		DurationMinutes: w.DurationMinutes,
		Location:        w.Location,
		Status:          appointment.State(w.Status),
		TeacherReady:    w.TeacherReady,
		StudentReady:    w.StudentReady,
	}
}
