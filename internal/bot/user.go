package bot

import (
	"errors"
	"log/slog"

	"github.com/m3rciful/funnelbot/core/logger"
	tghelpers "github.com/m3rciful/funnelbot/core/telegram/helpers"
	"github.com/m3rciful/funnelbot/core/telegram/keyboard"
	"github.com/m3rciful/funnelbot/internal/domain"

	tele "gopkg.in/telebot.v4"
)

const reasonUserStopped = "user_stopped"

// start enrols a first-time user into the active warm-up scenario and issues
// the lead magnet. Returning users only get a greeting.
func (h *Handlers) start(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	uid := tghelpers.SenderID(c)
	if uid == 0 {
		return nil
	}
	if !isNewUser(c) {
		return tghelpers.SendText(c, h.texts.WelcomeBack, stopKeyboard())
	}

	_, err := h.funnel.StartDefaultWarmup(ctx, uid)
	switch {
	case err == nil, errors.Is(err, domain.ErrRunExists):
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn(ctx, logger.CompWarmups, "run.start",
			slog.String("status", "skip"),
			slog.Int64("user_id", uid),
			slog.String("reason", "no_active_scenario"),
		)
	default:
		return err
	}

	if err := tghelpers.SendText(c, h.texts.Welcome); err != nil {
		return err
	}
	if h.texts.LeadMagnet != "" {
		if err := tghelpers.SendText(c, h.texts.LeadMagnet); err != nil {
			return err
		}
	}
	return h.funnel.RecordEvent(ctx, uid, domain.EventLeadMagnetIssued)
}

func (h *Handlers) stop(c tele.Context) error {
	if err := h.stopSeries(c); err != nil {
		return err
	}
	return tghelpers.SendText(c, h.texts.Stopped)
}

func (h *Handlers) onWarmupStop(c tele.Context) error {
	if err := h.stopSeries(c); err != nil {
		return err
	}
	return tghelpers.EditOrSendText(c, h.texts.Stopped)
}

// stopSeries cancels the warm-up runs and pending follow-ups of the sender.
func (h *Handlers) stopSeries(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	uid := tghelpers.SenderID(c)
	if _, err := h.funnel.StopWarmup(ctx, uid, reasonUserStopped); err != nil {
		return err
	}
	_, err := h.funnel.CancelFollowups(ctx, uid, reasonUserStopped)
	return err
}

func (h *Handlers) onOfferClick(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	if err := h.funnel.RecordEvent(ctx, tghelpers.SenderID(c), domain.EventOfferClicked); err != nil {
		return err
	}
	return tghelpers.SendText(c, h.texts.OfferThanks)
}

func (h *Handlers) help(c tele.Context) error {
	if h.reg == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)
	admin := h.admins != nil && h.admins.IsAuthorized(ctx, tghelpers.SenderID(c))
	return tghelpers.SendText(c, h.reg.Help(admin))
}

func stopKeyboard() *tele.ReplyMarkup {
	return keyboard.InlineButtons([]keyboard.InlineBtn{{Text: "Stop messages", Unique: cbWarmupStop}})
}
