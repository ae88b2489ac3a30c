// Package bot binds the funnel services to Telegram commands and callbacks.
package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/m3rciful/funnelbot/core/logger"
	coretelegram "github.com/m3rciful/funnelbot/core/telegram"
	"github.com/m3rciful/funnelbot/core/telegram/commands"
	tghelpers "github.com/m3rciful/funnelbot/core/telegram/helpers"
	"github.com/m3rciful/funnelbot/internal/admins"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/dialogs"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/funnel"
	"github.com/m3rciful/funnelbot/internal/reports"

	tele "gopkg.in/telebot.v4"
)

// Callback uniques.
const (
	cbDialogStart  = "dlg_start"
	cbDialogAnswer = "dlg_ans"
	cbDialogStop   = "dlg_stop"
	cbOfferClick   = "offer_click"
	cbWarmupStop   = "warmup_stop"
)

const keyNewUser = "new_user"

// Funnel is the part of funnel.Service the handlers drive.
type Funnel interface {
	Touch(ctx context.Context, u domain.User) (bool, error)
	StartDefaultWarmup(ctx context.Context, userID int64) (domain.WarmupRun, error)
	StopWarmup(ctx context.Context, userID int64, reason string) (int, error)
	CancelFollowups(ctx context.Context, userID int64, reason string) (int, error)
	RecordEvent(ctx context.Context, userID int64, name string) error
	ScheduleMailing(ctx context.Context, req funnel.MailingRequest) (domain.Mailing, error)
	CancelMailing(ctx context.Context, mailingID int64) (int, error)
	Mailing(ctx context.Context, id int64) (domain.Mailing, error)
	Mailings(ctx context.Context, limit int) ([]domain.Mailing, error)
}

// Dialogs is the dialog engine surface used by the FAQ handlers.
type Dialogs interface {
	Start(ctx context.Context, userID, dialogID int64) (dialogs.State, error)
	AdvanceFrom(ctx context.Context, userID, dialogID, answerID int64, moves int) (dialogs.State, error)
	Abandon(ctx context.Context, userID, dialogID int64) error
	Current(ctx context.Context, userID, dialogID int64) (dialogs.State, error)
	Search(ctx context.Context, query string, limit int) ([]dialogs.Match, error)
}

// DialogList lists the dialogs offered in the FAQ menu.
type DialogList interface {
	ListDialogs(ctx context.Context) ([]domain.Dialog, error)
}

// Admins manages operator identities.
type Admins interface {
	IsAuthorized(ctx context.Context, telegramID int64) bool
	AddAdmin(ctx context.Context, a domain.Admin, by int64) (domain.Admin, error)
	RemoveAdmin(ctx context.Context, telegramID, by int64) error
	List(ctx context.Context) ([]admins.Entry, error)
}

// Reports renders operator exports.
type Reports interface {
	Failures(ctx context.Context, since time.Time, limit int) (reports.File, error)
	MailingRecipients(ctx context.Context, mailingID int64) (reports.File, error)
	Stats(ctx context.Context, since time.Time) (domain.FunnelStats, error)
}

// Texts are the user-facing messages that are not part of the catalog.
type Texts struct {
	Welcome     string `yaml:"welcome"`
	WelcomeBack string `yaml:"welcome_back"`
	LeadMagnet  string `yaml:"lead_magnet"`
	Stopped     string `yaml:"stopped"`
	OfferThanks string `yaml:"offer_thanks"`
	NoAnswer    string `yaml:"no_answer"`
}

func (t Texts) withDefaults() Texts {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&t.Welcome, "Welcome! Your materials are on the way.")
	def(&t.WelcomeBack, "Welcome back!")
	def(&t.Stopped, "Done, you will not receive further messages of this series.")
	def(&t.OfferThanks, "Thanks! We will get back to you shortly.")
	def(&t.NoAnswer, "I could not find an answer. Try /faq.")
	return t
}

// Deps are the services the handlers call into.
type Deps struct {
	Funnel  Funnel
	Dialogs Dialogs
	Catalog DialogList
	Admins  Admins
	Reports Reports
	Clock   clock.Clock
	Texts   Texts
}

// Handlers implements the bot commands and callbacks.
type Handlers struct {
	funnel  Funnel
	dialogs Dialogs
	catalog DialogList
	admins  Admins
	reports Reports
	clock   clock.Clock
	texts   Texts
	reg     *coretelegram.Registry
}

// New builds the handlers; a nil clock means the system clock.
func New(deps Deps) *Handlers {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Handlers{
		funnel:  deps.Funnel,
		dialogs: deps.Dialogs,
		catalog: deps.Catalog,
		admins:  deps.Admins,
		reports: deps.Reports,
		clock:   deps.Clock,
		texts:   deps.Texts.withDefaults(),
	}
}

// Register adds every command, callback and the free text fallback to reg.
func (h *Handlers) Register(reg *coretelegram.Registry) error {
	h.reg = reg

	reg.RegisterCommand("/start", commands.Command{Handler: h.start, Description: "Start"})
	reg.RegisterCommand("/stop", commands.Command{Handler: h.stop, Description: "Stop the message series"})
	reg.RegisterCommand("/faq", commands.Command{Handler: h.faq, Description: "Frequently asked questions", Aliases: []string{"faq", "questions"}})
	reg.RegisterCommand("/help", commands.Command{Handler: h.help, Description: "List commands", Aliases: []string{"help"}})

	reg.RegisterCommand("/admins", commands.Command{Handler: h.listAdmins, Description: "List admins", AdminOnly: true})
	reg.RegisterCommand("/addadmin", commands.Command{Handler: h.addAdmin, Description: "Add an admin: /addadmin <id> [username]", AdminOnly: true})
	reg.RegisterCommand("/removeadmin", commands.Command{Handler: h.removeAdmin, Description: "Remove an admin: /removeadmin <id>", AdminOnly: true})
	reg.RegisterCommand("/mailing", commands.Command{Handler: h.mailing, Description: "Schedule a mailing: /mailing <when> <audience> <text>", AdminOnly: true})
	reg.RegisterCommand("/mailing_cancel", commands.Command{Handler: h.mailingCancel, Description: "Cancel a mailing: /mailing_cancel <id>", AdminOnly: true})
	reg.RegisterCommand("/mailing_stats", commands.Command{Handler: h.mailingStats, Description: "Mailing counters: /mailing_stats [id]", AdminOnly: true})
	reg.RegisterCommand("/stats", commands.Command{Handler: h.stats, Description: "Funnel overview: /stats [days]", AdminOnly: true})
	reg.RegisterCommand("/report", commands.Command{Handler: h.report, Description: "Export: /report failures [days] | /report mailing <id>", AdminOnly: true})

	for key, fn := range map[string]tele.HandlerFunc{
		cbDialogStart:  h.onDialogStart,
		cbDialogAnswer: h.onDialogAnswer,
		cbDialogStop:   h.onDialogStop,
		cbOfferClick:   h.onOfferClick,
		cbWarmupStop:   h.onWarmupStop,
	} {
		if err := reg.RegisterCallback(key, fn); err != nil {
			return err
		}
	}
	reg.SetTextFallback(h.onText)
	return nil
}

// TouchMiddleware records every inbound message of a user before the
// handler runs. New users are flagged on the context for /start.
func (h *Handlers) TouchMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		u := c.Sender()
		if u == nil || u.IsBot || c.Callback() != nil || c.Message() == nil {
			return next(c)
		}
		ctx := tghelpers.BuildContext(c)
		created, err := h.funnel.Touch(ctx, domain.User{
			ID:        u.ID,
			Username:  u.Username,
			FirstName: u.FirstName,
			LastName:  u.LastName,
		})
		if err != nil {
			logger.Warn(ctx, logger.CompTG, "user.touch",
				slog.String("status", "fail"),
				slog.Int64("user_id", u.ID),
				slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			)
		} else if created {
			c.Set(keyNewUser, true)
		}
		return next(c)
	}
}

func isNewUser(c tele.Context) bool {
	v, _ := c.Get(keyNewUser).(bool)
	return v
}
