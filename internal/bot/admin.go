package bot

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/core/telegram/format"
	tghelpers "github.com/m3rciful/funnelbot/core/telegram/helpers"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/funnel"
	"github.com/m3rciful/funnelbot/internal/reports"

	tele "gopkg.in/telebot.v4"
)

const (
	statsLimit      = 10
	failuresLimit   = 5000
	defaultFailDays = 7
	timeLayout      = "2006-01-02 15:04"
)

const (
	usageAddAdmin    = "Usage: /addadmin <telegram_id> [username]"
	usageRemoveAdmin = "Usage: /removeadmin <telegram_id>"
	usageMailing     = "Usage: /mailing <now|+2h|2006-01-02 15:04> <all|active|warmup_completed|event:name> <text>"
	usageCancel      = "Usage: /mailing_cancel <id>"
	usageReport      = "Usage: /report failures [days] | /report mailing <id>"
)

func (h *Handlers) listAdmins(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	list, err := h.admins.List(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("*Admins:*")
	for _, a := range list {
		fmt.Fprintf(&b, "\n%d", a.TelegramID)
		if a.Username != "" {
			fmt.Fprintf(&b, " @%s", format.MD(a.Username))
		}
		fmt.Fprintf(&b, " (%s)", a.Source)
	}
	return tghelpers.SendMD(c, b.String())
}

func (h *Handlers) addAdmin(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	args := c.Args()
	if len(args) == 0 {
		return tghelpers.SendText(c, usageAddAdmin)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return tghelpers.SendText(c, usageAddAdmin)
	}
	a := domain.Admin{TelegramID: id, AccessLevel: domain.DefaultAccessLevel}
	if len(args) > 1 {
		a.Username = strings.TrimPrefix(args[1], "@")
	}
	if _, err := h.admins.AddAdmin(ctx, a, tghelpers.SenderID(c)); err != nil {
		return h.refuse(c, "admin.add", err)
	}
	return tghelpers.SendText(c, fmt.Sprintf("Admin %d added.", id))
}

func (h *Handlers) removeAdmin(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	args := c.Args()
	if len(args) == 0 {
		return tghelpers.SendText(c, usageRemoveAdmin)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return tghelpers.SendText(c, usageRemoveAdmin)
	}
	if err := h.admins.RemoveAdmin(ctx, id, tghelpers.SenderID(c)); err != nil {
		return h.refuse(c, "admin.remove", err)
	}
	return tghelpers.SendText(c, fmt.Sprintf("Admin %d removed.", id))
}

// mailing schedules a broadcast from "/mailing <when> <audience> <text>".
// <when> may span two words when it is a date with a time.
func (h *Handlers) mailing(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	req, ok := parseMailing(c.Message().Payload, h.clock.Now())
	if !ok {
		return tghelpers.SendText(c, usageMailing)
	}
	req.By = tghelpers.SenderID(c)
	m, err := h.funnel.ScheduleMailing(ctx, req)
	if err != nil {
		return h.refuse(c, "mailing.schedule", err)
	}
	return tghelpers.SendText(c, fmt.Sprintf("Mailing #%d scheduled for %s to %s.",
		m.ID, m.ScheduledAt.Format(timeLayout), m.Audience))
}

func parseMailing(payload string, now time.Time) (funnel.MailingRequest, bool) {
	fields := strings.Fields(payload)
	if len(fields) < 3 {
		return funnel.MailingRequest{}, false
	}
	at, used := time.Time{}, 0
	if len(fields) >= 4 {
		if t, ok := tghelpers.ParseSchedule(fields[0]+" "+fields[1], now); ok {
			at, used = t, 2
		}
	}
	if used == 0 {
		t, ok := tghelpers.ParseSchedule(fields[0], now)
		if !ok {
			return funnel.MailingRequest{}, false
		}
		at, used = t, 1
	}
	audience := fields[used]
	rest := payload
	for _, f := range fields[:used+1] {
		_, rest, _ = strings.Cut(strings.TrimLeft(rest, " \t\n"), f)
	}
	text := strings.TrimSpace(rest)
	if text == "" {
		return funnel.MailingRequest{}, false
	}
	return funnel.MailingRequest{Text: text, Audience: domain.Audience(audience), At: at}, true
}

func (h *Handlers) mailingCancel(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	id, ok := argID(c, 0)
	if !ok {
		return tghelpers.SendText(c, usageCancel)
	}
	n, err := h.funnel.CancelMailing(ctx, id)
	if err != nil {
		return h.refuse(c, "mailing.cancel", err)
	}
	return tghelpers.SendText(c, fmt.Sprintf("Mailing #%d cancelled, %d pending recipients withdrawn.", id, n))
}

func (h *Handlers) mailingStats(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	if id, ok := argID(c, 0); ok {
		m, err := h.funnel.Mailing(ctx, id)
		if err != nil {
			return h.refuse(c, "mailing.stats", err)
		}
		return tghelpers.SendText(c, mailingLine(m))
	}
	list, err := h.funnel.Mailings(ctx, statsLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return tghelpers.SendText(c, "No mailings yet.")
	}
	lines := make([]string, len(list))
	for i, m := range list {
		lines[i] = mailingLine(m)
	}
	return tghelpers.SendText(c, strings.Join(lines, "\n"))
}

func mailingLine(m domain.Mailing) string {
	return fmt.Sprintf("#%d %s [%s] %s: %d/%d sent, %d failed",
		m.ID, m.Name, m.Status, m.ScheduledAt.Format(timeLayout),
		m.SentCount, m.TotalRecipients, m.FailedCount)
}

func (h *Handlers) report(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	args := c.Args()
	kind := "failures"
	if len(args) > 0 {
		kind = strings.ToLower(args[0])
	}

	var (
		f   reports.File
		err error
	)
	switch kind {
	case "failures":
		days := defaultFailDays
		if len(args) > 1 {
			if d, convErr := strconv.Atoi(args[1]); convErr == nil && d > 0 {
				days = d
			}
		}
		since := h.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
		f, err = h.reports.Failures(ctx, since, failuresLimit)
	case "mailing":
		id, ok := argID(c, 1)
		if !ok {
			return tghelpers.SendText(c, usageReport)
		}
		f, err = h.reports.MailingRecipients(ctx, id)
	default:
		return tghelpers.SendText(c, usageReport)
	}
	if err != nil {
		return h.refuse(c, "report."+kind, err)
	}
	return tghelpers.SendDocument(c, &tele.Document{
		File:     tele.FromReader(bytes.NewReader(f.Data)),
		FileName: f.Name,
		Caption:  fmt.Sprintf("%d rows", f.Rows),
	})
}

// stats shows users, warm-up runs, follow-up outcomes and funnel events.
// The optional argument sets the window for new users in days.
func (h *Handlers) stats(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	days := defaultFailDays
	if args := c.Args(); len(args) > 0 {
		d, err := strconv.Atoi(args[0])
		if err != nil || d <= 0 {
			return tghelpers.SendText(c, "Usage: /stats [days]")
		}
		days = d
	}
	st, err := h.reports.Stats(ctx, h.clock.Now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return err
	}
	return tghelpers.SendText(c, statsText(st, days))
}

func statsText(st domain.FunnelStats, days int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Users: %d, new in %d days: %d", domain.Total(st.Users), days, st.NewUsers)
	writeTallies(&b, st.Users)
	fmt.Fprintf(&b, "\nWarm-up runs: %d", domain.Total(st.Runs))
	writeTallies(&b, st.Runs)
	fmt.Fprintf(&b, "\nFollow-ups: %d", domain.Total(st.Followups))
	writeTallies(&b, st.Followups)
	b.WriteString("\nEvents (users):")
	writeTallies(&b, st.Events)
	if shown := domain.CountOf(st.Events, domain.EventOfferShown); shown > 0 {
		clicked := domain.CountOf(st.Events, domain.EventOfferClicked)
		fmt.Fprintf(&b, "\nOffer conversion: %d/%d (%d%%)", clicked, shown, clicked*100/shown)
	}
	return b.String()
}

func writeTallies(b *strings.Builder, list []domain.Tally) {
	if len(list) == 0 {
		b.WriteString("\n  none")
		return
	}
	for _, t := range list {
		fmt.Fprintf(b, "\n  %s: %d", t.Key, t.Count)
	}
}

// refuse reports domain errors back to the operator and passes anything else
// up to the router.
func (h *Handlers) refuse(c tele.Context, op string, err error) error {
	reason := domain.Reason(err)
	if reason == "internal" {
		return err
	}
	logger.Info(tghelpers.BuildContext(c), logger.CompAdmins, op,
		slog.String("status", "skip"),
		slog.String("reason", reason),
	)
	return tghelpers.SendText(c, refusal(err))
}

func refusal(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyAdmin):
		return "Already an admin."
	case errors.Is(err, domain.ErrProtectedIdentity):
		return "This admin is configured statically and cannot be removed here."
	case errors.Is(err, domain.ErrSelfRemoval):
		return "You cannot remove yourself."
	case errors.Is(err, domain.ErrNotFound):
		return "Not found."
	case errors.Is(err, domain.ErrInvalidState):
		return "Not possible: " + err.Error()
	}
	return "Request failed: " + domain.Reason(err)
}

func argID(c tele.Context, i int) (int64, bool) {
	args := c.Args()
	if len(args) <= i {
		return 0, false
	}
	id, err := strconv.ParseInt(args[i], 10, 64)
	return id, err == nil && id > 0
}
