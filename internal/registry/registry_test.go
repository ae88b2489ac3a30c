package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store/memstore"
)

const sampleCatalog = `
scenarios:
  - name: default
    description: first week
    steps:
      - title: Welcome
        delay: 0s
        text: Hi there
        emits: lead_magnet_issued
      - title: Story
        delay: 2h
        text: How it started
      - title: Offer
        delay: 22h
        text: Here is the offer
        emits: offer_shown
dialogs:
  - name: faq
    sort_order: 1
    questions:
      - key: root
        text: What do you want to know?
        keywords: [start, menu]
        answers:
          - text: Prices
            next: prices
          - text: Nothing
            reply: Bye
      - key: prices
        text: How much does it cost?
        keywords: [price, cost]
        answers:
          - text: Thanks
            reply: Glad to help
followups:
  - name: offer_not_clicked
    trigger: no_event
    anchor_event: offer_shown
    event: offer_clicked
    wait: 6h
    text: Still thinking?
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog(strings.NewReader(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	sc := c.Scenarios[0].Scenario()
	if !sc.IsActive || len(sc.Steps) != 3 {
		t.Fatalf("scenario = %+v", sc)
	}
	if sc.Steps[1].Delay() != 2*time.Hour || sc.Steps[2].Position != 2 || sc.Steps[0].MessageType != "text" {
		t.Fatalf("steps = %+v", sc.Steps)
	}
	f := c.Followups[0].Followup()
	if f.Trigger != domain.TriggerNoEvent || f.Wait() != 6*time.Hour || f.EventName != domain.EventOfferClicked {
		t.Fatalf("followup = %+v", f)
	}
	if got := c.Dialogs[0].Draft().Questions[1].Keywords; got != "price,cost" {
		t.Fatalf("keywords = %q", got)
	}
}

func TestParseCatalogRejectsBrokenReferences(t *testing.T) {
	doc := `
dialogs:
  - name: faq
    questions:
      - key: root
        text: Q
        answers:
          - text: A
            next: missing
followups:
  - name: f
    trigger: sometimes
    wait: 1h
`
	_, err := ParseCatalog(strings.NewReader(doc))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"unknown question", "unknown trigger"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestParseCatalogRejectsUnknownFields(t *testing.T) {
	if _, err := ParseCatalog(strings.NewReader("scenarios:\n  - name: x\n    stpes: []\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, err := ParseCatalog(strings.NewReader(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	st := memstore.New()
	rep, err := Seed(ctx, st, c)
	if err != nil || rep.Created != 3 || rep.Skipped != 0 {
		t.Fatalf("first seed = %+v, %v", rep, err)
	}
	rep, err = Seed(ctx, st, c)
	if err != nil || rep.Created != 0 || rep.Skipped != 3 {
		t.Fatalf("second seed = %+v, %v", rep, err)
	}

	reg := New(st)
	sc, err := reg.ActiveScenario(ctx)
	if err != nil || sc.Name != "default" || len(sc.Steps) != 3 {
		t.Fatalf("ActiveScenario = %+v, %v", sc, err)
	}
	dialogs, err := reg.ListDialogs(ctx)
	if err != nil || len(dialogs) != 1 {
		t.Fatalf("ListDialogs = %v, %v", dialogs, err)
	}
	root, ok := dialogs[0].Root()
	if !ok || len(root.Answers) != 2 || root.Answers[0].NextQuestionID == nil {
		t.Fatalf("root = %+v", root)
	}
	anchored, err := reg.FollowupsAnchoredOn(ctx, domain.EventOfferShown)
	if err != nil || len(anchored) != 1 {
		t.Fatalf("FollowupsAnchoredOn = %v, %v", anchored, err)
	}
}

func TestRegistryNotFound(t *testing.T) {
	reg := New(memstore.New())
	if _, err := reg.GetScenario(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetScenario error = %v", err)
	}
	if _, err := reg.GetDialog(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetDialog error = %v", err)
	}
}

func TestGetScenarioOrdersSteps(t *testing.T) {
	st := memstore.New()
	st.PutScenario(domain.Scenario{ID: 7, Name: "edited", IsActive: true, Steps: []domain.ScenarioStep{
		{ID: 2, Position: 1, Text: "second"},
		{ID: 1, Position: 0, Text: "first"},
	}})
	sc, err := New(st).GetScenario(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetScenario: %v", err)
	}
	if sc.Steps[0].Text != "first" {
		t.Fatalf("steps not ordered: %+v", sc.Steps)
	}
}
