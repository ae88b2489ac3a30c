package middleware

import (
	"context"
	"log/slog"

	"github.com/m3rciful/funnelbot/core/logger"
	tghelpers "github.com/m3rciful/funnelbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Authorizer decides whether a Telegram user may run admin-only handlers.
type Authorizer interface {
	IsAuthorized(ctx context.Context, telegramID int64) bool
}

// AuthorizerFunc adapts a plain function to Authorizer.
type AuthorizerFunc func(ctx context.Context, telegramID int64) bool

func (f AuthorizerFunc) IsAuthorized(ctx context.Context, telegramID int64) bool {
	return f(ctx, telegramID)
}

// AdminOptions defines how admin-only checks should behave.
type AdminOptions struct {
	Authorizer Authorizer
	OnReject   tele.HandlerFunc
}

// AdminOnlyMiddleware lets only authorized users reach downstream handlers.
// A nil Authorizer rejects everyone.
func AdminOnlyMiddleware(opts AdminOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			ctx := tghelpers.BuildContext(c)
			if user != nil && opts.Authorizer != nil && opts.Authorizer.IsAuthorized(ctx, user.ID) {
				return next(c)
			}
			var id int64
			if user != nil {
				id = user.ID
			}
			logger.Warn(ctx, logger.CompAdmins, "access.denied",
				slog.String("status", "skip"),
				slog.Int64("user_id", id),
			)
			if opts.OnReject != nil {
				return opts.OnReject(c)
			}
			return nil
		}
	}
}
