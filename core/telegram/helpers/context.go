package helpers

import (
	"context"

	"github.com/m3rciful/funnelbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

const ctxKey = "logger_ctx"

// StoreContext keeps ctx on the update so later handlers log with the same
// correlation data.
func StoreContext(c tele.Context, ctx context.Context) {
	if c == nil || ctx == nil {
		return
	}
	c.Set(ctxKey, ctx)
}

// ContextFrom returns the context kept by StoreContext.
func ContextFrom(c tele.Context) (context.Context, bool) {
	if c == nil {
		return nil, false
	}
	ctx, ok := c.Get(ctxKey).(context.Context)
	return ctx, ok && ctx != nil
}

// SenderID is the Telegram id of the user behind the update, zero for
// channel posts and service updates. Funnel rows are keyed by it.
func SenderID(c tele.Context) int64 {
	if c == nil {
		return 0
	}
	if u := c.Sender(); u != nil {
		return u.ID
	}
	return 0
}

// BuildContext returns the stored context or derives one from the update.
// Updates without a chat (inline callbacks) carry only the user, the same
// way scheduled deliveries do.
func BuildContext(c tele.Context) context.Context {
	if ctx, ok := ContextFrom(c); ok {
		return ctx
	}

	upd := c.Update()
	userID := SenderID(c)
	var chatID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}

	rid, _ := c.Get("rid").(string)
	if rid == "" {
		rid = logger.BuildRID(upd.ID, chatID, userID)
	}

	ctx := logger.WithRID(context.Background(), rid)
	if chatID == 0 {
		ctx = logger.WithUser(ctx, userID)
	} else {
		ctx = logger.WithUpdateMeta(ctx, upd.ID, userID, chatID)
	}
	ctx = logger.WithLogger(ctx, logger.TG)
	StoreContext(c, ctx)
	return ctx
}

// WithHandler records the handler name on the stored context.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := BuildContext(c)
	if handler != "" {
		ctx = logger.WithHandler(ctx, handler)
		StoreContext(c, ctx)
	}
	return ctx
}
