package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestNotifyDisabledWithoutCredentials(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := New(Settings{}, zerolog.Nop(), WithAPIBase(srv.URL+"/bot"))
	if n.Enabled() {
		t.Error("notifier with empty settings should be disabled")
	}
	n.Notify(context.Background(), "hello")
	if called {
		t.Error("disabled notifier must not call the API")
	}
}

func TestNotifySendsMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken123/sendMessage" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	n := New(Settings{BotToken: "token123", ChatID: "42"}, zerolog.Nop(), WithAPIBase(srv.URL+"/bot"))
	n.Notifyf(context.Background(), "episode %d organized", 5)

	if got["chat_id"] != "42" {
		t.Errorf("chat_id = %v, want 42", got["chat_id"])
	}
	if got["text"] != "episode 5 organized" {
		t.Errorf("text = %v", got["text"])
	}
}
