package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xemm-bot/internal/config"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const telegramBaseURL = "https://api.telegram.org"

// Notifications are throttled to a short burst, then one every few seconds.
const (
	notifyBurst    = 10
	notifyInterval = 3 * time.Second
)

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
	limiter *rate.Limiter
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	Text string `json:"text"`
	Chat *Chat  `json:"chat"`
	From *User  `json:"from"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 70 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(notifyInterval), notifyBurst),
	}
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.enabled
}

// Notify sends message in the background. Messages over the rate limit are
// dropped and failures are only logged.
func (t *Telegram) Notify(ctx context.Context, message string) {
	if !t.Enabled() {
		return
	}
	if !t.limiter.Allow() {
		t.log.Debug("telegram notification throttled", zap.String("message", message))
		return
	}
	go func() {
		if err := t.Send(ctx, message); err != nil {
			t.log.Warn("telegram notification failed", zap.Error(err))
		}
	}()
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	return t.do(req, "send", &result.OK, &result.Description, &result)
}

// GetUpdates long-polls for operator messages starting at offset.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]Update, error) {
	if !t.enabled {
		return nil, errors.New("telegram disabled")
	}
	if t.token == "" {
		return nil, errors.New("telegram token is required")
	}
	query := url.Values{}
	query.Set("offset", strconv.FormatInt(offset, 10))
	query.Set("timeout", strconv.Itoa(int(wait/time.Second)))
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", t.baseURL, t.token, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		OK          bool     `json:"ok"`
		Description string   `json:"description"`
		Result      []Update `json:"result"`
	}
	if err := t.do(req, "getUpdates", &result.OK, &result.Description, &result); err != nil {
		return nil, err
	}
	return result.Result, nil
}

func (t *Telegram) do(req *http.Request, op string, ok *bool, desc *string, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram %s failed: http %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", op, err)
	}
	if !*ok {
		msg := strings.TrimSpace(*desc)
		if msg == "" {
			msg = "unknown telegram error"
		}
		return fmt.Errorf("telegram %s failed: %s", op, msg)
	}
	return nil
}
