package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"

	tele "gopkg.in/telebot.v4"
)

type fakeAPI struct {
	err   error
	block chan struct{}
	to    tele.Recipient
	what  any
	opts  []any
}

func (f *fakeAPI) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.to, f.what, f.opts = to, what, opts
	return &tele.Message{}, f.err
}

func TestTelegramSendDelivered(t *testing.T) {
	api := &fakeAPI{}
	gw := NewTelegram(api)
	err := gw.Send(context.Background(), 42, Payload{Text: "hi", Action: &Action{Text: "More", Unique: "offer_click", Data: "1"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if api.to.Recipient() != "42" || api.what != "hi" {
		t.Fatalf("sent to %v: %v", api.to.Recipient(), api.what)
	}
	opts := api.opts[0].(*tele.SendOptions)
	if opts.ReplyMarkup == nil || len(opts.ReplyMarkup.InlineKeyboard) != 1 {
		t.Fatalf("missing action button: %+v", opts)
	}
}

func TestTelegramSendClassifies(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"blocked", tele.ErrBlockedByUser, PermanentFailure},
		{"server", tele.NewError(500, "Internal Server Error"), TransientFailure},
		{"unknown", errors.New("connection reset by peer"), TransientFailure},
	}
	for _, tc := range cases {
		err := NewTelegram(&fakeAPI{err: tc.err}).Send(context.Background(), 1, Payload{Text: "x"})
		if got := OutcomeOf(err); got != tc.want {
			t.Fatalf("%s: outcome = %v (%v), want %v", tc.name, got, err, tc.want)
		}
	}
}

func TestTelegramSendHonoursDeadline(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{})}
	defer close(api.block)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewTelegram(api).Send(ctx, 1, Payload{Text: "x"})
	if !errors.Is(err, domain.ErrTransientDelivery) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestOutcomeOf(t *testing.T) {
	if OutcomeOf(nil) != Delivered {
		t.Fatalf("nil should be delivered")
	}
	if OutcomeOf(context.DeadlineExceeded) != TransientFailure {
		t.Fatalf("deadline should be transient")
	}
	if OutcomeOf(domain.ErrPermanentDelivery) != PermanentFailure {
		t.Fatalf("permanent sentinel should be permanent")
	}
}
