package session

import (
	"strings"
	"testing"
)

func TestPathsAreSessionScoped(t *testing.T) {
	paths := []string{
		SocketPath("tutor"),
		LockPath("tutor"),
		CacheDBPath("tutor"),
		TokenPath("tutor"),
		LogPath("tutor"),
	}
	for _, p := range paths {
		if !strings.Contains(p, "/sessions/tutor/") {
			t.Errorf("path %q not scoped to session dir", p)
		}
	}
}

func TestConfigPathIsGlobal(t *testing.T) {
	if strings.Contains(ConfigPath(), "sessions") {
		t.Errorf("config path %q should not be session-scoped", ConfigPath())
	}
}
