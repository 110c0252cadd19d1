// Package telegram delivers alert notifications via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/noisegate/internal/logger"
	"github.com/rewired-gh/noisegate/internal/models"
)

// sender is the part of tgbotapi.BotAPI the client sends through.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StateReader answers the /state command.
type StateReader interface {
	State(ctx context.Context, subject models.Subject) (models.State, error)
}

// Options tunes retries and the outgoing rate limit.
type Options struct {
	MaxRetries     int
	RetryDelayBase time.Duration
	RatePerSecond  float64
	Burst          int
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	limiter        *rate.Limiter
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, opts Options) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, opts)
	c.bot = bot
	return c, nil
}

func newClient(s sender, chatID int64, opts Options) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	return &Client{
		sender:         s,
		chatID:         chatID,
		maxRetries:     opts.MaxRetries,
		retryDelayBase: opts.RetryDelayBase,
		limiter:        rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, states StateReader) {
	if c.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, update.Message, states)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message, states StateReader) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "state":
		text = describeState(ctx, states, msg.CommandArguments())
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	c.sender.Send(reply) //nolint:errcheck
}

func describeState(ctx context.Context, states StateReader, arg string) string {
	if states == nil {
		return "State inspection is not available"
	}
	subject, err := models.ParseSubject(arg)
	if err != nil {
		return "Usage: /state instrument:<id> | portfolio:<uuid>"
	}
	st, err := states.State(ctx, subject)
	if err != nil {
		return fmt.Sprintf("Failed to read state: %v", err)
	}
	switch s := st.(type) {
	case models.Armed:
		return fmt.Sprintf("%s: armed since %s", subject, s.At.Format(time.RFC3339))
	case models.Cooldown:
		return fmt.Sprintf("%s: cooldown until %s", subject, s.Until.Format(time.RFC3339))
	case models.Quiet:
		return fmt.Sprintf("%s: quiet, %d buffered", subject, len(s.Buffer))
	default:
		return fmt.Sprintf("%s: %s", subject, st.Kind())
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with rate limiting and linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if _, err := c.sender.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
			logger.Debug("Telegram send attempt %d failed: %v", i+1, err)
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a scheduler error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Alert checks failing*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Alert checks recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// Push sends an instrument alert.
func (c *Client) Push(ctx context.Context, instrumentID int64, event models.AlertEvent) error {
	return c.sendMarkdownV2(ctx, formatAlert(instrumentID, event))
}

// PushPortfolio sends a portfolio summary.
func (c *Client) PushPortfolio(ctx context.Context, portfolioID uuid.UUID, event models.PortfolioAlertEvent) error {
	return c.sendMarkdownV2(ctx, formatPortfolio(portfolioID, event))
}

var kindTitles = map[models.EventKind]string{
	models.EventFastMove:        "Fast move",
	models.EventDayMove:         "Day move",
	models.EventVolumeSpike:     "Volume spike",
	models.EventStablecoinDepeg: "Stablecoin depeg",
}

// formatAlert formats an instrument alert into a Telegram MarkdownV2 message.
func formatAlert(instrumentID int64, ev models.AlertEvent) string {
	title, ok := kindTitles[ev.Kind]
	if !ok {
		title = string(ev.Kind)
	}
	directionEmoji := "📈"
	if ev.PctMove < 0 {
		directionEmoji = "📉"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* %s\n", directionEmoji, escapeMarkdownV2(ev.Ticker), escapeMarkdownV2(title))
	fmt.Fprintf(&b, "Move: *%s* over the %s window\n",
		escapeMarkdownV2(fmt.Sprintf("%+.2f%%", ev.PctMove)), escapeMarkdownV2(string(ev.Window)))
	fmt.Fprintf(&b, "Threshold: %s \\| class %s\n",
		escapeMarkdownV2(fmt.Sprintf("%.2f%%", ev.Threshold)), escapeMarkdownV2(ev.ClassID))
	if ev.Reason == models.DeliveredQuietHoursFlush {
		b.WriteString("🌙 Held during quiet hours\n")
	}
	fmt.Fprintf(&b, "📅 %s \\| \\#%d", escapeMarkdownV2(ev.At.Format("2006-01-02 15:04")), instrumentID)
	return b.String()
}

// formatPortfolio formats a portfolio summary into a Telegram MarkdownV2 message.
func formatPortfolio(portfolioID uuid.UUID, ev models.PortfolioAlertEvent) string {
	title := "Portfolio day move"
	emoji := "📊"
	if ev.Type == models.PortfolioDrawdown {
		title = "Portfolio drawdown"
		emoji = "🔻"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*: %s\n", emoji, title, escapeMarkdownV2(fmt.Sprintf("%+.2f%%", ev.ValuePct)))
	fmt.Fprintf(&b, "Threshold: %s\n", escapeMarkdownV2(fmt.Sprintf("%.2f%%", ev.Threshold)))
	if ev.Reason == models.DeliveredQuietHoursFlush {
		b.WriteString("🌙 Held during quiet hours\n")
	}
	fmt.Fprintf(&b, "📅 %s \\| %s", escapeMarkdownV2(ev.At.Format("2006-01-02 15:04")), escapeMarkdownV2(portfolioID.String()))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
