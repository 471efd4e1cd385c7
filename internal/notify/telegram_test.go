package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vigil/internal/config"
)

func telegramFor(t *testing.T, srv *httptest.Server) *Telegram {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Notifications.Enabled = true
	cfg.Notifications.BotToken = "123:abc"
	cfg.Notifications.ChatID = "-100"
	tg := NewTelegram(config.NewStaticManager(cfg), nil)
	tg.baseURL = srv.URL
	return tg
}

func TestSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := telegramFor(t, srv)
	if err := tg.Send(context.Background(), "<b>alert</b>", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Fatalf("wrong path %s", gotPath)
	}
	if gotBody["chat_id"] != "-100" || gotBody["parse_mode"] != "HTML" || gotBody["text"] != "<b>alert</b>" {
		t.Fatalf("wrong payload %v", gotBody)
	}
}

func TestSendPhotoUsesMultipart(t *testing.T) {
	var gotPath, chatID, caption string
	var photoLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		chatID = r.FormValue("chat_id")
		caption = r.FormValue("caption")
		file, _, err := r.FormFile("photo")
		if err != nil {
			t.Errorf("photo part: %v", err)
		} else {
			buf := make([]byte, 16)
			n, _ := file.Read(buf)
			photoLen = n
			file.Close()
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := telegramFor(t, srv)
	if err := tg.Send(context.Background(), "caption text", []byte{0xff, 0xd8, 0xff, 0xd9}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bot123:abc/sendPhoto" {
		t.Fatalf("wrong path %s", gotPath)
	}
	if chatID != "-100" || caption != "caption text" || photoLen != 4 {
		t.Fatalf("multipart fields wrong: chat_id=%s caption=%q photo=%d bytes", chatID, caption, photoLen)
	}
}

func TestSendUnconfigured(t *testing.T) {
	tg := NewTelegram(config.NewStaticManager(config.DefaultConfig()), nil)
	if err := tg.Send(context.Background(), "x", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := telegramFor(t, srv)
	err := tg.Send(context.Background(), "x", nil)
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error with description, got %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:abc/getMe" {
			t.Errorf("wrong path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"username":"vigil_bot"}}`))
	}))
	defer srv.Close()

	tg := telegramFor(t, srv)
	name, err := tg.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("test connection: %v", err)
	}
	if name != "vigil_bot" {
		t.Fatalf("username = %s", name)
	}
}
