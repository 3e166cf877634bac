package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"xemm-bot/internal/alerts"
	"xemm-bot/internal/config"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) withPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	return out
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/Orders@xemm_bot ETH")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "orders" {
		t.Fatalf("expected orders, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "ETH" {
		t.Fatalf("unexpected args: %v", args)
	}
	if _, _, ok := parseOperatorCommand("hello"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
	if _, _, ok := parseOperatorCommand("  "); ok {
		t.Fatalf("expected empty text to be ignored")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	store := &memoryStore{data: make(map[string]string)}
	app := newTestApp(t, testConfig(t), store)
	ctx := context.Background()
	meta := operatorMeta{UpdateID: 4, UserID: 1, ChatID: 2, Raw: "/pause"}

	if resp := app.handleOperatorCommand(ctx, "pause", nil, meta); resp != "quoting paused" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !app.strategy.Paused() {
		t.Fatalf("expected paused")
	}
	if resp := app.handleOperatorCommand(ctx, "pause", nil, meta); resp != "quoting already paused" {
		t.Fatalf("unexpected second pause response: %s", resp)
	}

	meta.Raw = "/resume"
	if resp := app.handleOperatorCommand(ctx, "resume", nil, meta); resp != "quoting resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if app.strategy.Paused() {
		t.Fatalf("expected resumed")
	}

	audits := store.withPrefix("ops:audit:")
	if len(audits) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(audits))
	}
	var sawResume bool
	for _, raw := range audits {
		var event operatorAuditEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			t.Fatalf("decode audit: %v", err)
		}
		if event.Action == "resume" {
			sawResume = true
			if !event.PausedBefore || event.PausedAfter {
				t.Fatalf("unexpected resume audit: %+v", event)
			}
		}
	}
	if !sawResume {
		t.Fatalf("expected a resume audit entry")
	}
}

func TestOperatorStatusAndRates(t *testing.T) {
	app := newTestApp(t, testConfig(t), &memoryStore{})
	ctx := context.Background()

	status := app.handleOperatorCommand(ctx, "status", nil, operatorMeta{})
	if !strings.HasPrefix(status, "state=WAITING_MARKETS paused=false") {
		t.Fatalf("unexpected status: %s", status)
	}
	if !strings.Contains(status, "maker:ETH-USDT|taker:ETH-USDT") {
		t.Fatalf("expected pair line in status, got %s", status)
	}
	rates := app.handleOperatorCommand(ctx, "rates", nil, operatorMeta{})
	if !strings.Contains(rates, "USDT->USDT 1") {
		t.Fatalf("unexpected rates: %s", rates)
	}
	if orders := app.handleOperatorCommand(ctx, "orders", nil, operatorMeta{}); orders != "no active maker orders" {
		t.Fatalf("unexpected orders: %s", orders)
	}
	if help := app.handleOperatorCommand(ctx, "bogus", nil, operatorMeta{}); !strings.HasPrefix(help, "commands:") {
		t.Fatalf("expected help text, got %s", help)
	}
}

func TestOperatorIgnoresForeignChats(t *testing.T) {
	store := &memoryStore{}
	app := newTestApp(t, testConfig(t), store)
	upd := alerts.Update{
		UpdateID: 1,
		Message: &alerts.Message{
			Text: "/pause",
			Chat: &alerts.Chat{ID: 99},
			From: &alerts.User{ID: 1},
		},
	}
	app.handleOperatorUpdate(context.Background(), upd, 2, nil)
	upd.Message.Chat.ID = 2
	app.handleOperatorUpdate(context.Background(), upd, 2, map[int64]struct{}{7: {}})
	if app.strategy.Paused() {
		t.Fatalf("expected command from foreign chat or user to be ignored")
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	store := &memoryStore{}
	app := &App{store: store, log: zap.NewNop(), cfg: &config.Config{}}
	ctx := context.Background()
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected 0 offset, got %d", got)
	}
	app.saveOperatorOffset(ctx, 42)
	if got := app.loadOperatorOffset(ctx); got != 42 {
		t.Fatalf("expected 42 offset, got %d", got)
	}
	_ = store.Set(ctx, operatorOffsetKey, "-3")
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected negative offset to reset, got %d", got)
	}
}
