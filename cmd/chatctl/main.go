package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorlane/chatd/internal/api"
	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/presence"
	"github.com/tutorlane/chatd/internal/session"
	"github.com/tutorlane/chatd/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newCtl(session.SocketPath(sessionName))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "chats":
		cmdChats(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl messages <chatId>")
			os.Exit(1)
		}
		cmdMessages(ctx, c, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatctl send <chatId> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "))
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl read <chatId>")
			os.Exit(1)
		}
		cmdRead(ctx, c, args[1])
	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl retry <tempId>")
			os.Exit(1)
		}
		cmdRetry(ctx, c, args[1])
	case "discard":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl discard <tempId>")
			os.Exit(1)
		}
		cmdDiscard(ctx, c, args[1])
	case "typing":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl typing <chatId>")
			os.Exit(1)
		}
		cmdTyping(ctx, c, args[1], *jsonFlag)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl search <query>")
			os.Exit(1)
		}
		cmdSearch(ctx, c, strings.Join(args[1:], " "), *jsonFlag)
	case "appointments":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl appointments <chatId>")
			os.Exit(1)
		}
		cmdAppointments(ctx, c, args[1], *jsonFlag)
	case "appointment":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl appointment <create|respond|complete|delete> ...")
			os.Exit(1)
		}
		cmdAppointment(ctx, c, args[1:], *jsonFlag)
	case "watch":
		cmdWatch(c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                                         Show daemon status")
	fmt.Fprintln(os.Stderr, "  chats                                          List conversations")
	fmt.Fprintln(os.Stderr, "  messages <chatId>                              List recent messages")
	fmt.Fprintln(os.Stderr, "  send <chatId> <text>                           Send a text message")
	fmt.Fprintln(os.Stderr, "  read <chatId>                                  Mark a chat as read")
	fmt.Fprintln(os.Stderr, "  retry <tempId>                                 Retry a failed send")
	fmt.Fprintln(os.Stderr, "  discard <tempId>                               Discard a failed send")
	fmt.Fprintln(os.Stderr, "  typing <chatId>                                Show who is typing")
	fmt.Fprintln(os.Stderr, "  search <query>                                 Full-text search messages")
	fmt.Fprintln(os.Stderr, "  appointments <chatId>                          List appointments for a chat")
	fmt.Fprintln(os.Stderr, "  appointment create <chatId> <start> <end> [location]")
	fmt.Fprintln(os.Stderr, "  appointment respond <id> <accept|reject>")
	fmt.Fprintln(os.Stderr, "  appointment complete <id> <yes|no>")
	fmt.Fprintln(os.Stderr, "  appointment delete <id>")
	fmt.Fprintln(os.Stderr, "  watch                                          Stream daemon events")
}

// ctl speaks HTTP to the daemon over its Unix socket.
type ctl struct {
	http       *http.Client
	socketPath string
}

func newCtl(socketPath string) *ctl {
	dialer := &net.Dialer{}
	return &ctl{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *ctl) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://chatd"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w (is chatd running?)", c.socketPath, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdStatus(ctx context.Context, c *ctl, jsonOut bool) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session: %s\n", resp.Session)
	fmt.Printf("State:   %s\n", resp.State)
	if resp.Banner != "" {
		fmt.Printf("Banner:  %s\n", resp.Banner)
	}
	if resp.SelfID != "" {
		fmt.Printf("User:    %s (%s)\n", resp.SelfID, resp.Role)
	}
}

func cmdChats(ctx context.Context, c *ctl, jsonOut bool) {
	var chats []store.Chat
	if err := c.do(ctx, http.MethodGet, "/v1/chats", nil, &chats); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(chats)
		return
	}
	if len(chats) == 0 {
		fmt.Println("No chats found.")
		return
	}
	now := time.Now()
	for _, ch := range chats {
		unread := ""
		if ch.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d unread]", ch.UnreadCount)
		}
		seen := ""
		if ch.Presence == string(presence.Online) {
			seen = "online"
		} else if ch.LastSeenAt > 0 {
			seen = presence.FormatLastSeen(now, time.UnixMilli(ch.LastSeenAt))
		}
		fmt.Printf("%-24s %-20s %-12s %s%s\n", ch.ID, ch.Title, seen, ch.LastMessagePreview, unread)
	}
}

func cmdMessages(ctx context.Context, c *ctl, chatID string, jsonOut bool) {
	var resp api.MessagesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/chats/"+chatID+"/messages", nil, &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range resp.Messages {
		who := m.SenderName
		if m.FromMe {
			who = "me"
		}
		ts := time.UnixMilli(m.SentAt).Format("2006-01-02 15:04")
		fmt.Printf("%s  %-12s [%s] %s\n", ts, who, m.Status, m.Content)
		if m.ErrorMessage != "" {
			fmt.Printf("  failed: %s (retry with: chatctl retry %s)\n", m.ErrorMessage, m.TempID)
		}
	}
}

func cmdSend(ctx context.Context, c *ctl, chatID, text string) {
	var resp api.SendMessageResponse
	body := api.SendMessageRequest{Content: text}
	if err := c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/messages", body, &resp); err != nil {
		fail(err)
	}
	fmt.Printf("queued %s\n", resp.TempID)
}

func cmdRead(ctx context.Context, c *ctl, chatID string) {
	if err := c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/read", nil, nil); err != nil {
		fail(err)
	}
	fmt.Println("ok")
}

func cmdRetry(ctx context.Context, c *ctl, tempID string) {
	var resp api.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/v1/messages/"+tempID+"/retry", nil, &resp); err != nil {
		fail(err)
	}
	fmt.Printf("requeued as %s\n", resp.TempID)
}

func cmdDiscard(ctx context.Context, c *ctl, tempID string) {
	if err := c.do(ctx, http.MethodDelete, "/v1/messages/"+tempID, nil, nil); err != nil {
		fail(err)
	}
	fmt.Println("discarded")
}

func cmdTyping(ctx context.Context, c *ctl, chatID string, jsonOut bool) {
	var resp api.TypingResponse
	if err := c.do(ctx, http.MethodGet, "/v1/chats/"+chatID+"/typing", nil, &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if resp.Text == "" {
		fmt.Println("Nobody is typing.")
		return
	}
	fmt.Println(resp.Text)
}

func cmdSearch(ctx context.Context, c *ctl, query string, jsonOut bool) {
	var resp api.SearchResponse
	path := "/v1/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, res := range resp.Results {
		fmt.Printf("%-24s %s\n", res.Message.ChatID, res.Snippet)
	}
}

func cmdAppointments(ctx context.Context, c *ctl, chatID string, jsonOut bool) {
	var apts []appointment.Appointment
	if err := c.do(ctx, http.MethodGet, "/v1/appointments?chat="+url.QueryEscape(chatID), nil, &apts); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(apts)
		return
	}
	if len(apts) == 0 {
		fmt.Println("No appointments.")
		return
	}
	for _, a := range apts {
		fmt.Printf("%-24s %s  %s  %s\n",
			a.ID,
			a.StartsAt.Format("2006-01-02 15:04"),
			a.Status,
			a.Location)
	}
}

func cmdAppointment(ctx context.Context, c *ctl, args []string, jsonOut bool) {
	switch args[0] {
	case "create":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: chatctl appointment create <chatId> <start> <end> [location]")
			os.Exit(1)
		}
		location := ""
		if len(args) > 4 {
			location = strings.Join(args[4:], " ")
		}
		body := api.CreateAppointmentRequest{
			ChatID:      args[1],
			DateTime:    args[2],
			EndDateTime: args[3],
			Location:    location,
		}
		var a appointment.Appointment
		if err := c.do(ctx, http.MethodPost, "/v1/appointments", body, &a); err != nil {
			fail(err)
		}
		if jsonOut {
			outputJSON(a)
			return
		}
		fmt.Printf("created %s (%s)\n", a.ID, a.Status)
	case "respond":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatctl appointment respond <id> <accept|reject>")
			os.Exit(1)
		}
		accepted, err := parseYes(args[2], "accept", "reject")
		if err != nil {
			fail(err)
		}
		body := api.RespondAppointmentRequest{Accepted: &accepted}
		if err := c.do(ctx, http.MethodPost, "/v1/appointments/"+args[1]+"/respond", body, nil); err != nil {
			fail(err)
		}
		fmt.Println("ok")
	case "complete":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatctl appointment complete <id> <yes|no>")
			os.Exit(1)
		}
		completed, err := parseYes(args[2], "yes", "no")
		if err != nil {
			fail(err)
		}
		body := api.CompleteAppointmentRequest{Completed: &completed}
		if err := c.do(ctx, http.MethodPost, "/v1/appointments/"+args[1]+"/complete", body, nil); err != nil {
			fail(err)
		}
		fmt.Println("ok")
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl appointment delete <id>")
			os.Exit(1)
		}
		if err := c.do(ctx, http.MethodDelete, "/v1/appointments/"+args[1], nil, nil); err != nil {
			fail(err)
		}
		fmt.Println("deleted")
	default:
		fmt.Fprintf(os.Stderr, "unknown appointment subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdWatch(c *ctl) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := &net.Dialer{}
			return d.DialContext(ctx, "unix", c.socketPath)
		},
	}
	conn, _, err := dialer.Dial("ws://chatd/v1/events", nil)
	if err != nil {
		fail(fmt.Errorf("cannot open event stream: %w", err))
	}
	defer func() { _ = conn.Close() }()

	fmt.Fprintln(os.Stderr, "watching events (ctrl-c to stop)")
	for {
		var evt struct {
			Kind      string    `json:"kind"`
			ChatID    string    `json:"chatId,omitempty"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := conn.ReadJSON(&evt); err != nil {
			fail(fmt.Errorf("event stream closed: %w", err))
		}
		ts := evt.Timestamp.Format("15:04:05")
		if evt.ChatID != "" {
			fmt.Printf("%s  %-32s %s\n", ts, evt.Kind, evt.ChatID)
		} else {
			fmt.Printf("%s  %s\n", ts, evt.Kind)
		}
	}
}

func parseYes(arg, yes, no string) (bool, error) {
	switch arg {
	case yes:
		return true, nil
	case no:
		return false, nil
	default:
		return false, fmt.Errorf("expected %q or %q, got %q", yes, no, arg)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
