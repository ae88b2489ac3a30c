package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/funnelbot/core/logger"
	coretelegram "github.com/m3rciful/funnelbot/core/telegram"
	"github.com/m3rciful/funnelbot/core/telegram/keyboard"
	"github.com/m3rciful/funnelbot/core/telegram/sender"
	"github.com/m3rciful/funnelbot/internal/domain"

	tele "gopkg.in/telebot.v4"
)

const defaultSendTimeout = 10 * time.Second

// Sender is the part of *tele.Bot the gateway needs.
type Sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Telegram delivers payloads as Telegram messages.
type Telegram struct {
	api Sender
}

// NewTelegram wraps an API client.
func NewTelegram(api Sender) *Telegram {
	return &Telegram{api: api}
}

// NewSenderBot builds an offline bot for background sends whose HTTP client
// gives up after timeout, independent of the long polling client.
func NewSenderBot(token string, timeout time.Duration) (*tele.Bot, error) {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	client := coretelegram.BuildHTTPClient()
	client.Timeout = timeout
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: true, Client: client})
	if err != nil {
		return nil, fmt.Errorf("delivery: sender bot: %w", err)
	}
	return bot, nil
}

// Send delivers p to the private chat of userID. It returns when ctx is done
// even if the API call is still in flight; such an attempt counts as
// transient.
func (t *Telegram) Send(ctx context.Context, userID int64, p Payload) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransientDelivery, err)
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if p.Action != nil {
		opts.ReplyMarkup = keyboard.InlineButtons([]keyboard.InlineBtn{{
			Text: p.Action.Text, Unique: p.Action.Unique, Data: p.Action.Data,
		}})
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.api.Send(&tele.User{ID: userID}, p.Text, opts)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		return nil
	}

	kind := sender.Classify(err)
	logger.Debug(ctx, logger.CompTG, "send.fail",
		slog.Int64("user_id", userID),
		slog.String("outcome", kind.String()),
		slog.String("reason", sender.Detail(err)),
	)
	if kind == sender.KindPermanent {
		return fmt.Errorf("%w: %s", domain.ErrPermanentDelivery, sender.SanitizeError(err))
	}
	return fmt.Errorf("%w: %s", domain.ErrTransientDelivery, sender.SanitizeError(err))
}
