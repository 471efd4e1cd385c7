package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"vigil/internal/config"
)

// ErrNotConfigured is returned when the bot token or chat id is missing.
var ErrNotConfigured = errors.New("notify: telegram is not configured")

// Telegram delivers alert notifications through the Bot API. Text-only
// alerts use sendMessage; alerts carrying a frame thumbnail use sendPhoto
// with the text as the caption.
type Telegram struct {
	cfg        *config.Manager
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

func NewTelegram(cfg *config.Manager, logger *slog.Logger) *Telegram {
	return &Telegram{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		baseURL:    "https://api.telegram.org",
	}
}

// Send delivers one notification. The message is HTML-formatted.
func (t *Telegram) Send(ctx context.Context, text string, photo []byte) error {
	n := t.cfg.Get().Notifications
	if n.BotToken == "" || n.ChatID == "" {
		return ErrNotConfigured
	}
	if len(photo) > 0 {
		return t.sendPhoto(ctx, n, text, photo)
	}
	return t.sendMessage(ctx, n, text)
}

// TestConnection verifies the bot token with getMe and returns the bot
// username on success.
func (t *Telegram) TestConnection(ctx context.Context) (string, error) {
	n := t.cfg.Get().Notifications
	if n.BotToken == "" {
		return "", ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.methodURL(n.BotToken, "getMe"), nil)
	if err != nil {
		return "", err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("notify: decode getMe response: %w", err)
	}
	if !body.OK {
		return "", fmt.Errorf("notify: getMe failed: %s", body.Description)
	}
	return body.Result.Username, nil
}

func (t *Telegram) sendMessage(ctx context.Context, n config.NotificationsConfig, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    n.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(n.BotToken, "sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req)
}

func (t *Telegram) sendPhoto(ctx context.Context, n config.NotificationsConfig, caption string, photo []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", n.ChatID)
	_ = w.WriteField("caption", caption)
	_ = w.WriteField("parse_mode", "HTML")
	part, err := w.CreateFormFile("photo", "frame.jpg")
	if err != nil {
		return err
	}
	if _, err := part.Write(photo); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(n.BotToken, "sendPhoto"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(req)
}

func (t *Telegram) do(req *http.Request) error {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("notify: telegram returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (t *Telegram) methodURL(token, method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, token, method)
}
