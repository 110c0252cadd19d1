package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/rewired-gh/noisegate/internal/models"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	sent     []tgbotapi.MessageConfig
	attempts int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return tgbotapi.Message{}, errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func testOptions() Options {
	return Options{MaxRetries: 3, RetryDelayBase: time.Millisecond, RatePerSecond: 1000, Burst: 10}
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"+2.5%", "\\+2\\.5%"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	_, err := NewClient("", "not-a-number", testOptions())
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestPush_RetriesThenSucceeds(t *testing.T) {
	s := &fakeSender{failures: 2}
	c := newClient(s, 42, testOptions())

	ev := models.AlertEvent{
		Kind: models.EventFastMove, ClassID: "MOEX_BLUE", Ticker: "SBER",
		Window: models.WindowFast, PctMove: -2.75, Threshold: 2, At: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
	}
	if err := c.Push(context.Background(), 7, ev); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if s.attempts != 3 || len(s.sent) != 1 {
		t.Fatalf("attempts=%d sent=%d, want 3 and 1", s.attempts, len(s.sent))
	}
	msg := s.sent[0]
	if msg.ChatID != 42 || msg.ParseMode != "MarkdownV2" {
		t.Errorf("message routed to %d with mode %q", msg.ChatID, msg.ParseMode)
	}
	for _, want := range []string{"📉", "SBER", "\\-2\\.75%", "MOEX\\_BLUE", "\\#7"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("message %q missing %q", msg.Text, want)
		}
	}
}

func TestPush_GivesUp(t *testing.T) {
	s := &fakeSender{failures: 10}
	c := newClient(s, 42, testOptions())

	err := c.Push(context.Background(), 7, models.AlertEvent{Ticker: "SBER"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if s.attempts != 3 {
		t.Errorf("attempts = %d, want 3", s.attempts)
	}
}

func TestPush_ContextCancelled(t *testing.T) {
	s := &fakeSender{failures: 10}
	opts := testOptions()
	opts.RetryDelayBase = time.Hour
	c := newClient(s, 42, opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Push(ctx, 7, models.AlertEvent{Ticker: "SBER"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestFormatPortfolio(t *testing.T) {
	id := uuid.MustParse("6f1c2d8e-3a4b-4c5d-8e9f-0a1b2c3d4e5f")
	text := formatPortfolio(id, models.PortfolioAlertEvent{
		Type: models.PortfolioDrawdown, ValuePct: 6.1, Threshold: 5,
		Reason: models.DeliveredQuietHoursFlush, At: time.Date(2025, 3, 4, 7, 0, 0, 0, time.UTC),
	})
	for _, want := range []string{"Portfolio drawdown", "\\+6\\.10%", "quiet hours", "6f1c2d8e\\-3a4b"} {
		if !strings.Contains(text, want) {
			t.Errorf("message %q missing %q", text, want)
		}
	}
}

type fakeStates struct{ state models.State }

func (f fakeStates) State(context.Context, models.Subject) (models.State, error) {
	return f.state, nil
}

func TestDescribeState(t *testing.T) {
	until := time.Date(2025, 3, 3, 11, 0, 0, 0, time.UTC)
	got := describeState(context.Background(), fakeStates{models.Cooldown{Until: until}}, "instrument:5")
	if got != "instrument:5: cooldown until 2025-03-03T11:00:00Z" {
		t.Errorf("describeState() = %q", got)
	}
	if got := describeState(context.Background(), fakeStates{models.Idle{}}, "bogus"); !strings.HasPrefix(got, "Usage") {
		t.Errorf("describeState(bogus) = %q", got)
	}
}
