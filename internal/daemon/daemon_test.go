package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/api"
	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/backend"
	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/config"
	"github.com/tutorlane/chatd/internal/lock"
	"github.com/tutorlane/chatd/internal/outbox"
	"github.com/tutorlane/chatd/internal/presence"
	"github.com/tutorlane/chatd/internal/status"
	"github.com/tutorlane/chatd/internal/store"
	intsync "github.com/tutorlane/chatd/internal/sync"
)

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	tmpDir, err := os.MkdirTemp("/tmp", "chatd-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sessionDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(sessionDir, "d.sock")
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(sessionDir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	tracker := presence.NewTracker()
	client := backend.NewClient(config.API{TokenPath: filepath.Join(sessionDir, "token")}, logger)
	apts := appointment.NewEngine(db, client, b, logger, client.SelfID)
	sender := outbox.NewSender(db, client, b, logger, client.SelfID)
	engine := intsync.NewEngine(db, b, apts, tracker, logger)
	coord := intsync.NewCoordinator(config.Sync{}, client, nil, engine, apts, db, machine, b, logger)
	handler := api.NewHandler("test", db, b, machine, sender, coord, apts, tracker, client, logger)

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, logger, handler)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	}()

	time.Sleep(50 * time.Millisecond)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("socket permissions = %o, want 600", perm)
	}

	httpc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}

	resp, err := httpc.Get("http://chatd/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Session != "test" || res.State != "BOOTING" {
		t.Fatalf("response = %+v", res)
	}

	// A second daemon must not start on the same session.
	if _, err := lock.Acquire(sessionDir); err == nil {
		t.Fatal("second lock acquisition should fail while held")
	}
}
