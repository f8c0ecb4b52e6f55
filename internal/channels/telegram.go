package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

// TelegramChannel sends notifications to a fixed set of chats.
type TelegramChannel struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	logger  *slog.Logger
}

// NewTelegramChannel authenticates the bot. endpoint overrides the Bot API
// URL template (tgbotapi.APIEndpoint) when set.
func NewTelegramChannel(token, endpoint string, chatIDs []int64, logger *slog.Logger) (*TelegramChannel, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if len(chatIDs) == 0 {
		return nil, errors.New("at least one telegram chat id is required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram notifier ready", "user", bot.Self.UserName, "chats", len(chatIDs))
	return &TelegramChannel{bot: bot, chatIDs: chatIDs, logger: logger}, nil
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Notify sends the formatted event to every chat. It stops at ctx
// cancellation and returns the joined send errors.
func (t *TelegramChannel) Notify(ctx context.Context, ev bus.Event) error {
	text := FormatEvent(ev)
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		msg.DisableWebPagePreview = true
		if _, err := t.bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// FormatEvent renders an event as a MarkdownV2 message.
func FormatEvent(ev bus.Event) string {
	icon := "ℹ️"
	title := ev.Type
	switch ev.Type {
	case bus.TypeWatchdogAlert:
		icon, title = "🚨", "Integrity drift"
	case bus.TypeGovernorDenied:
		icon, title = "⛔", "Admission denied"
	case bus.TypeRailJobError:
		icon, title = "⚠️", "Rail job failed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", icon, escapeMarkdownV2(title))
	fmt.Fprintf(&b, "_%s · %s_\n", escapeMarkdownV2(string(ev.Source)), escapeMarkdownV2(ev.TS.UTC().Format("2006-01-02 15:04:05Z")))

	var fields map[string]any
	if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &fields) == nil {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := fields[k]
			var s string
			switch v := v.(type) {
			case string:
				s = v
			default:
				raw, _ := json.Marshal(v)
				s = string(raw)
			}
			if len(s) > 200 {
				s = s[:200] + "..."
			}
			fmt.Fprintf(&b, "%s: `%s`\n", escapeMarkdownV2(k), escapeCode(s))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ ` > # + - = | { } . ! \
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes text inside an inline code span, where only ` and \
// are special.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}
