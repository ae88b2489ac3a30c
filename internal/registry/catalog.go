package registry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

// Catalog is the YAML definition file seeded into the store on start.
type Catalog struct {
	Scenarios []ScenarioDef `yaml:"scenarios"`
	Dialogs   []DialogDef   `yaml:"dialogs"`
	Followups []FollowupDef `yaml:"followups"`
}

type ScenarioDef struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Active      *bool     `yaml:"active"`
	Steps       []StepDef `yaml:"steps"`
}

// StepDef is a warm-up message; Delay counts from the previous step.
type StepDef struct {
	Title string        `yaml:"title"`
	Delay time.Duration `yaml:"delay"`
	Text  string        `yaml:"text"`
	Type  string        `yaml:"type"`
	Emits string        `yaml:"emits"`
}

type DialogDef struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	SortOrder   int           `yaml:"sort_order"`
	Questions   []QuestionDef `yaml:"questions"`
}

// QuestionDef is a dialog node; the first question of a dialog is its root.
type QuestionDef struct {
	Key      string      `yaml:"key"`
	Text     string      `yaml:"text"`
	Keywords []string    `yaml:"keywords"`
	Answers  []AnswerDef `yaml:"answers"`
}

// AnswerDef leads to the question keyed Next, or ends the dialog when Next is empty.
type AnswerDef struct {
	Text  string `yaml:"text"`
	Reply string `yaml:"reply"`
	Next  string `yaml:"next"`
}

type FollowupDef struct {
	Name        string        `yaml:"name"`
	Trigger     string        `yaml:"trigger"`
	AnchorEvent string        `yaml:"anchor_event"`
	Event       string        `yaml:"event"`
	Wait        time.Duration `yaml:"wait"`
	Text        string        `yaml:"text"`
	Active      *bool         `yaml:"active"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog decodes and validates a catalog document. Unknown fields are
// rejected so typos do not silently drop content.
func ParseCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks names, triggers and question references.
func (c Catalog) Validate() error {
	var errs []error
	seen := map[string]bool{}
	unique := func(kind, name string) {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("%s: empty name", kind))
			return
		}
		if seen[kind+"/"+name] {
			errs = append(errs, fmt.Errorf("%s %q: duplicate name", kind, name))
		}
		seen[kind+"/"+name] = true
	}

	for _, s := range c.Scenarios {
		unique("scenario", s.Name)
		if len(s.Steps) == 0 {
			errs = append(errs, fmt.Errorf("scenario %q: no steps", s.Name))
		}
		for i, st := range s.Steps {
			if st.Delay < 0 {
				errs = append(errs, fmt.Errorf("scenario %q step %d: negative delay", s.Name, i))
			}
			if strings.TrimSpace(st.Text) == "" {
				errs = append(errs, fmt.Errorf("scenario %q step %d: empty text", s.Name, i))
			}
		}
	}

	for _, d := range c.Dialogs {
		unique("dialog", d.Name)
		if len(d.Questions) == 0 {
			errs = append(errs, fmt.Errorf("dialog %q: no questions", d.Name))
		}
		keys := make(map[string]bool, len(d.Questions))
		for _, q := range d.Questions {
			if q.Key == "" || keys[q.Key] {
				errs = append(errs, fmt.Errorf("dialog %q: missing or duplicate question key %q", d.Name, q.Key))
			}
			keys[q.Key] = true
		}
		for _, q := range d.Questions {
			for _, a := range q.Answers {
				if a.Next != "" && !keys[a.Next] {
					errs = append(errs, fmt.Errorf("dialog %q question %q: answer %q points to unknown question %q", d.Name, q.Key, a.Text, a.Next))
				}
			}
		}
	}

	for _, f := range c.Followups {
		unique("followup", f.Name)
		switch domain.FollowupTrigger(f.Trigger) {
		case domain.TriggerNoReply:
		case domain.TriggerNoEvent:
			if f.Event == "" {
				errs = append(errs, fmt.Errorf("followup %q: no_event trigger needs an event", f.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("followup %q: unknown trigger %q", f.Name, f.Trigger))
		}
		if f.Wait <= 0 {
			errs = append(errs, fmt.Errorf("followup %q: wait must be positive", f.Name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog: %w", errors.Join(errs...))
	}
	return nil
}

func active(flag *bool) bool {
	return flag == nil || *flag
}

// Scenario converts the definition to a domain scenario with positioned steps.
func (s ScenarioDef) Scenario() domain.Scenario {
	sc := domain.Scenario{Name: s.Name, Description: s.Description, IsActive: active(s.Active)}
	for i, st := range s.Steps {
		kind := st.Type
		if kind == "" {
			kind = "text"
		}
		sc.Steps = append(sc.Steps, domain.ScenarioStep{
			Position:     i,
			DelaySeconds: int64(st.Delay / time.Second),
			Title:        st.Title,
			Text:         st.Text,
			MessageType:  kind,
			Emits:        st.Emits,
		})
	}
	return sc
}

// Draft converts the definition to a store draft keyed by question keys.
func (d DialogDef) Draft() store.DialogDraft {
	draft := store.DialogDraft{Name: d.Name, Description: d.Description, SortOrder: d.SortOrder}
	for _, q := range d.Questions {
		qd := store.QuestionDraft{Key: q.Key, Text: q.Text, Keywords: strings.Join(q.Keywords, ",")}
		for _, a := range q.Answers {
			qd.Answers = append(qd.Answers, store.AnswerDraft{Text: a.Text, Reply: a.Reply, Next: a.Next})
		}
		draft.Questions = append(draft.Questions, qd)
	}
	return draft
}

func (f FollowupDef) Followup() domain.Followup {
	return domain.Followup{
		Name:        f.Name,
		Trigger:     domain.FollowupTrigger(f.Trigger),
		AnchorEvent: f.AnchorEvent,
		EventName:   f.Event,
		WaitSeconds: int64(f.Wait / time.Second),
		Text:        f.Text,
		IsActive:    active(f.Active),
	}
}
