package bot

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	coretelegram "github.com/m3rciful/funnelbot/core/telegram"
	"github.com/m3rciful/funnelbot/internal/admins"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/dialogs"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/funnel"
	"github.com/m3rciful/funnelbot/internal/registry"
	"github.com/m3rciful/funnelbot/internal/reports"
	"github.com/m3rciful/funnelbot/internal/store"
	"github.com/m3rciful/funnelbot/internal/store/memstore"

	tele "gopkg.in/telebot.v4"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

const staticAdmin = 900

type reply struct {
	text   string
	markup *tele.ReplyMarkup
	doc    *tele.Document
}

// fakeContext records what handlers send. Methods not overridden panic via
// the nil embedded interface.
type fakeContext struct {
	tele.Context
	user    *tele.User
	msg     *tele.Message
	cb      *tele.Callback
	values  map[string]any
	replies []reply
}

func command(userID int64, text string) *fakeContext {
	_, payload, _ := strings.Cut(text, " ")
	return &fakeContext{
		user:   &tele.User{ID: userID, Username: "u"},
		msg:    &tele.Message{Text: text, Payload: strings.TrimSpace(payload)},
		values: map[string]any{},
	}
}

func callback(userID int64, unique, data string) *fakeContext {
	return &fakeContext{
		user:   &tele.User{ID: userID},
		cb:     &tele.Callback{Unique: unique, Data: data},
		values: map[string]any{},
	}
}

func (f *fakeContext) Sender() *tele.User       { return f.user }
func (f *fakeContext) Chat() *tele.Chat         { return &tele.Chat{ID: f.user.ID} }
func (f *fakeContext) Update() tele.Update      { return tele.Update{ID: 1} }
func (f *fakeContext) Message() *tele.Message   { return f.msg }
func (f *fakeContext) Callback() *tele.Callback { return f.cb }
func (f *fakeContext) Get(key string) any       { return f.values[key] }
func (f *fakeContext) Set(key string, v any)    { f.values[key] = v }

func (f *fakeContext) Text() string {
	if f.msg == nil {
		return ""
	}
	return f.msg.Text
}

func (f *fakeContext) Args() []string {
	if f.msg == nil {
		return nil
	}
	return strings.Fields(f.msg.Payload)
}

func (f *fakeContext) Send(what any, opts ...any) error {
	r := reply{}
	switch v := what.(type) {
	case string:
		r.text = v
	case *tele.Document:
		r.doc = v
	}
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			r.markup = so.ReplyMarkup
		}
	}
	f.replies = append(f.replies, r)
	return nil
}

func (f *fakeContext) EditOrSend(what any, opts ...any) error { return f.Send(what, opts...) }

func (f *fakeContext) last(t *testing.T) reply {
	t.Helper()
	if len(f.replies) == 0 {
		t.Fatalf("no reply sent")
	}
	return f.replies[len(f.replies)-1]
}

// buttons returns the unique and data of every inline button of r.
func (r reply) buttons() [][2]string {
	var out [][2]string
	if r.markup == nil {
		return out
	}
	for _, row := range r.markup.InlineKeyboard {
		for _, b := range row {
			out = append(out, [2]string{b.Unique, b.Data})
		}
	}
	return out
}

type harness struct {
	st  *memstore.Store
	clk *clock.Manual
	h   *Handlers
	reg *coretelegram.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	clk := clock.NewManual(t0)

	if _, _, err := st.SeedScenario(ctx, domain.Scenario{Name: "welcome", IsActive: true, Steps: []domain.ScenarioStep{
		{Text: "hi", DelaySeconds: 0},
	}}); err != nil {
		t.Fatalf("seed scenario: %v", err)
	}
	if _, _, err := st.SeedDialog(ctx, store.DialogDraft{
		Name: "Pricing",
		Questions: []store.QuestionDraft{
			{Key: "root", Text: "What would you like to know?", Keywords: "price, cost", Answers: []store.AnswerDraft{
				{Text: "Prices", Reply: "Let's talk prices.", Next: "plans"},
			}},
			{Key: "plans", Text: "Which plan?", Answers: []store.AnswerDraft{
				{Text: "Basic", Reply: "Basic is 10 per month."},
			}},
		},
	}); err != nil {
		t.Fatalf("seed dialog: %v", err)
	}

	catalog := registry.New(st)
	h := New(Deps{
		Funnel:  funnel.New(st, catalog, clk),
		Dialogs: dialogs.New(catalog, st, clk),
		Catalog: catalog,
		Admins:  admins.New([]int64{staticAdmin}, st, clk),
		Reports: reports.New(st, clk),
		Clock:   clk,
	})
	reg := coretelegram.NewRegistry()
	if err := h.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &harness{st: st, clk: clk, h: h, reg: reg}
}

// run dispatches c through the touch middleware like the runtime does.
func (hs *harness) run(t *testing.T, c *fakeContext) {
	t.Helper()
	var fn tele.HandlerFunc
	if c.cb != nil {
		cb, ok := hs.reg.GetCallback(c.cb.Unique)
		if !ok {
			t.Fatalf("no callback %q", c.cb.Unique)
		}
		fn = cb
	} else {
		name, _, _ := strings.Cut(c.msg.Text, " ")
		_, cmd, ok := hs.reg.LookupCommand(name)
		if ok {
			fn = cmd.Handler
		} else {
			fn = hs.reg.TextFallback()
		}
	}
	if err := hs.h.TouchMiddleware(fn)(c); err != nil {
		t.Fatalf("handler %q: %v", c.Text(), err)
	}
}

func TestRegisterMarksAdminCommands(t *testing.T) {
	hs := newHarness(t)
	for _, name := range []string{"/admins", "/addadmin", "/removeadmin", "/mailing", "/mailing_cancel", "/mailing_stats", "/stats", "/report"} {
		_, cmd, ok := hs.reg.LookupCommand(name)
		if !ok || !cmd.AdminOnly {
			t.Fatalf("%s: registered=%v admin=%v", name, ok, cmd.AdminOnly)
		}
	}
	for _, name := range []string{"/start", "/stop", "/faq", "/help"} {
		if _, cmd, ok := hs.reg.LookupCommand(name); !ok || cmd.AdminOnly {
			t.Fatalf("%s must be public", name)
		}
	}
	if got := len(hs.reg.ListCallbacks()); got != 5 {
		t.Fatalf("callbacks = %d, want 5", got)
	}
}

func TestStartEnrolsFirstContactOnly(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	first := command(1, "/start")
	hs.run(t, first)
	runs, err := hs.st.ListRuns(ctx, 1)
	if err != nil || len(runs) != 1 || runs[0].Status != domain.RunActive {
		t.Fatalf("runs after first /start: %+v %v", runs, err)
	}
	if got := hs.st.Events(1); len(got) != 1 || got[0] != domain.EventLeadMagnetIssued {
		t.Fatalf("events = %v", got)
	}
	if first.replies[0].text != hs.h.texts.Welcome {
		t.Fatalf("first reply = %q", first.replies[0].text)
	}

	again := command(1, "/start")
	hs.run(t, again)
	if got := again.last(t).text; got != hs.h.texts.WelcomeBack {
		t.Fatalf("second reply = %q", got)
	}
	if runs, _ := hs.st.ListRuns(ctx, 1); len(runs) != 1 {
		t.Fatalf("second /start created a run: %+v", runs)
	}
}

func TestStopCancelsRunsAndFollowups(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	hs.run(t, command(1, "/start"))

	for _, c := range []*fakeContext{command(1, "/stop"), callback(1, cbWarmupStop, "")} {
		hs.run(t, c)
		if got := c.last(t).text; got != hs.h.texts.Stopped {
			t.Fatalf("reply = %q", got)
		}
	}
	runs, _ := hs.st.ListRuns(ctx, 1)
	if runs[0].Status != domain.RunCancelled || runs[0].LastError != reasonUserStopped {
		t.Fatalf("run after stop: %+v", runs[0])
	}
}

func TestOfferClickRecordsEvent(t *testing.T) {
	hs := newHarness(t)
	hs.run(t, command(1, "/start"))
	c := callback(1, cbOfferClick, "")
	hs.run(t, c)

	events := hs.st.Events(1)
	if events[len(events)-1] != domain.EventOfferClicked {
		t.Fatalf("events = %v", events)
	}
	if c.last(t).text != hs.h.texts.OfferThanks {
		t.Fatalf("reply = %q", c.last(t).text)
	}
}

func TestDialogFlow(t *testing.T) {
	hs := newHarness(t)

	menu := command(1, "/faq")
	hs.run(t, menu)
	btns := menu.last(t).buttons()
	if len(btns) != 1 || btns[0][0] != cbDialogStart {
		t.Fatalf("menu buttons = %v", btns)
	}
	dialogID := btns[0][1]

	open := callback(1, cbDialogStart, dialogID)
	hs.run(t, open)
	q := open.last(t)
	if !strings.Contains(q.text, "What would you like to know?") {
		t.Fatalf("root text = %q", q.text)
	}
	answers := q.buttons()
	if len(answers) != 2 || answers[0][0] != cbDialogAnswer || answers[1][0] != cbDialogStop {
		t.Fatalf("root buttons = %v", answers)
	}

	// Reopening resumes the same session instead of failing.
	resume := callback(1, cbDialogStart, dialogID)
	hs.run(t, resume)
	if resume.last(t).text != q.text {
		t.Fatalf("resume = %q", resume.last(t).text)
	}

	next := callback(1, cbDialogAnswer, answers[0][1])
	hs.run(t, next)
	if got := next.last(t).text; !strings.HasPrefix(got, "Let's talk prices.") || !strings.Contains(got, "Which plan?") {
		t.Fatalf("after answer = %q", got)
	}

	stale := callback(1, cbDialogAnswer, answers[0][1])
	hs.run(t, stale)
	if got := stale.last(t).text; got != textAnswered {
		t.Fatalf("stale answer reply = %q", got)
	}

	stop := callback(1, cbDialogStop, dialogID)
	hs.run(t, stop)
	if got := stop.last(t).text; got != textEnded {
		t.Fatalf("stop reply = %q", got)
	}
	after := callback(1, cbDialogAnswer, answers[0][1])
	hs.run(t, after)
	if got := after.last(t).text; got != textEnded {
		t.Fatalf("answer after stop = %q", got)
	}
}

func TestTextFallbackSearchesTopics(t *testing.T) {
	hs := newHarness(t)

	hit := command(1, "what is the price")
	hs.run(t, hit)
	if btns := hit.last(t).buttons(); len(btns) != 1 || btns[0][0] != cbDialogStart {
		t.Fatalf("search buttons = %v", btns)
	}

	miss := command(1, "zzz")
	hs.run(t, miss)
	if got := miss.last(t).text; got != hs.h.texts.NoAnswer {
		t.Fatalf("miss reply = %q", got)
	}
}

func TestParseMailing(t *testing.T) {
	now := t0
	cases := []struct {
		name     string
		payload  string
		ok       bool
		at       time.Time
		audience domain.Audience
		text     string
	}{
		{"now", "now active Hello there", true, now, domain.AudienceActive, "Hello there"},
		{"relative", "+2h event:offer_shown  Last   chance", true, now.Add(2 * time.Hour), domain.EventAudience("offer_shown"), "Last   chance"},
		{"date and time", "2026-04-02 09:30 all Morning news", true, time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC), domain.AudienceAll, "Morning news"},
		{"date only", "2026-04-02 all Hi", true, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), domain.AudienceAll, "Hi"},
		{"no text", "now active", false, time.Time{}, "", ""},
		{"bad time", "later active Hi", false, time.Time{}, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, ok := parseMailing(tc.payload, now)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if !req.At.Equal(tc.at) || req.Audience != tc.audience || req.Text != tc.text {
				t.Fatalf("got %+v", req)
			}
		})
	}
}

func TestMailingCommands(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	c := command(staticAdmin, "/mailing +1h active Big news")
	hs.run(t, c)
	if got := c.last(t).text; !strings.HasPrefix(got, "Mailing #") {
		t.Fatalf("schedule reply = %q", got)
	}
	list, err := hs.st.ListMailings(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("mailings: %+v %v", list, err)
	}
	m := list[0]
	if m.Text != "Big news" || m.CreatedBy != staticAdmin || !m.ScheduledAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected mailing: %+v", m)
	}

	bad := command(staticAdmin, "/mailing now vips Hi")
	hs.run(t, bad)
	if got := bad.last(t).text; !strings.HasPrefix(got, "Not possible") {
		t.Fatalf("bad audience reply = %q", got)
	}

	stats := command(staticAdmin, "/mailing_stats")
	hs.run(t, stats)
	if got := stats.last(t).text; !strings.Contains(got, "[scheduled]") {
		t.Fatalf("stats = %q", got)
	}

	cancel := command(staticAdmin, "/mailing_cancel "+itoa(m.ID))
	hs.run(t, cancel)
	if got, _ := hs.st.GetMailing(ctx, m.ID); got.Status != domain.MailingCancelled {
		t.Fatalf("mailing status = %s", got.Status)
	}
	again := command(staticAdmin, "/mailing_cancel "+itoa(m.ID))
	hs.run(t, again)
	if got := again.last(t).text; !strings.HasPrefix(got, "Not possible") {
		t.Fatalf("second cancel reply = %q", got)
	}
}

func TestAdminCommands(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	hs.run(t, command(staticAdmin, "/addadmin 42 @ops_team"))
	if ok, _ := hs.st.IsActiveAdmin(ctx, 42); !ok {
		t.Fatalf("admin 42 not added")
	}

	cases := []struct {
		text, want string
	}{
		{"/addadmin 42", "Already an admin."},
		{"/addadmin 900", "Already an admin."},
		{"/removeadmin 900", "This admin is configured statically and cannot be removed here."},
		{"/addadmin nope", usageAddAdmin},
		{"/removeadmin 7", "Not found."},
	}
	for _, tc := range cases {
		c := command(staticAdmin, tc.text)
		hs.run(t, c)
		if got := c.last(t).text; got != tc.want {
			t.Fatalf("%s: reply = %q, want %q", tc.text, got, tc.want)
		}
	}

	self := command(42, "/removeadmin 42")
	hs.run(t, self)
	if got := self.last(t).text; got != "You cannot remove yourself." {
		t.Fatalf("self removal reply = %q", got)
	}

	list := command(staticAdmin, "/admins")
	hs.run(t, list)
	got := list.last(t).text
	if !strings.Contains(got, "900 (static)") || !strings.Contains(got, `42 @ops\_team (database)`) {
		t.Fatalf("admins = %q", got)
	}

	hs.run(t, command(staticAdmin, "/removeadmin 42"))
	if ok, _ := hs.st.IsActiveAdmin(ctx, 42); ok {
		t.Fatalf("admin 42 still active")
	}
}

func TestStatsSummarizesFunnel(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	if _, _, err := hs.st.SeedFollowup(ctx, domain.Followup{
		Name: "silent", Trigger: domain.TriggerNoReply, AnchorEvent: domain.EventLeadMagnetIssued,
		WaitSeconds: 3600, Text: "still there?", IsActive: true,
	}); err != nil {
		t.Fatalf("seed follow-up: %v", err)
	}
	hs.run(t, command(1, "/start"))
	hs.run(t, command(2, "/start"))
	hs.run(t, command(1, "/stop"))

	c := command(staticAdmin, "/stats")
	hs.run(t, c)
	got := c.last(t).text
	for _, want := range []string{
		"Users: 3, new in 7 days: 3",
		"Warm-up runs: 2\n  active: 1\n  cancelled: 1",
		"Follow-ups: 2\n  cancelled:user_stopped: 1\n  pending: 1",
		"lead_magnet_issued: 2",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("stats = %q, missing %q", got, want)
		}
	}
	if strings.Contains(got, "Offer conversion") {
		t.Fatalf("conversion shown without offers: %q", got)
	}

	bad := command(staticAdmin, "/stats x")
	hs.run(t, bad)
	if got := bad.last(t).text; got != "Usage: /stats [days]" {
		t.Fatalf("bad args reply = %q", got)
	}
}

func TestStatsTextOfferConversion(t *testing.T) {
	got := statsText(domain.FunnelStats{Events: []domain.Tally{
		{Key: domain.EventOfferClicked, Count: 1},
		{Key: domain.EventOfferShown, Count: 4},
	}}, 7)
	if !strings.Contains(got, "Offer conversion: 1/4 (25%)") || !strings.Contains(got, "Warm-up runs: 0\n  none") {
		t.Fatalf("stats = %q", got)
	}
}

func TestReportSendsWorkbook(t *testing.T) {
	hs := newHarness(t)
	c := command(staticAdmin, "/report failures 30")
	hs.run(t, c)
	doc := c.last(t).doc
	if doc == nil || !strings.HasPrefix(doc.FileName, "failures_") || !strings.HasSuffix(doc.FileName, ".xlsx") {
		t.Fatalf("document = %+v", doc)
	}

	usage := command(staticAdmin, "/report mailing")
	hs.run(t, usage)
	if got := usage.last(t).text; got != usageReport {
		t.Fatalf("usage reply = %q", got)
	}
}

func TestHelpListsAdminCommandsForAdmins(t *testing.T) {
	hs := newHarness(t)
	user := command(1, "/help")
	hs.run(t, user)
	if strings.Contains(user.last(t).text, "/mailing") {
		t.Fatalf("user help shows admin commands: %q", user.last(t).text)
	}
	admin := command(staticAdmin, "/help")
	hs.run(t, admin)
	if !strings.Contains(admin.last(t).text, "/mailing") {
		t.Fatalf("admin help misses admin commands: %q", admin.last(t).text)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
