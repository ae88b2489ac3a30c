package bot

import (
	"errors"
	"strconv"
	"strings"

	"github.com/m3rciful/funnelbot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/funnelbot/core/telegram/helpers"
	"github.com/m3rciful/funnelbot/core/telegram/keyboard"
	"github.com/m3rciful/funnelbot/internal/dialogs"
	"github.com/m3rciful/funnelbot/internal/domain"

	tele "gopkg.in/telebot.v4"
)

const (
	searchLimit  = 3
	answerSep    = ":"
	textNoTopics = "No topics are available right now."
	textGone     = "This topic is no longer available. /faq"
	textAnswered = "This question was already answered, use the latest message."
	textEnded    = "This conversation has ended. /faq"
	textMore     = "Anything else? /faq"
)

func (h *Handlers) faq(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	list, err := h.catalog.ListDialogs(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return tghelpers.SendText(c, textNoTopics)
	}
	btns := make([]keyboard.InlineBtn, 0, len(list))
	for _, d := range list {
		btns = append(btns, keyboard.InlineBtn{
			Text:   d.Name,
			Unique: cbDialogStart,
			Data:   strconv.FormatInt(d.ID, 10),
		})
	}
	return tghelpers.SendText(c, "Choose a topic:", keyboard.InlineButtons(btns))
}

// onDialogStart opens the dialog or resumes the session already in progress.
func (h *Handlers) onDialogStart(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	dialogID, err := callbacks.PayloadInt64(c)
	if err != nil {
		return err
	}
	uid := tghelpers.SenderID(c)
	st, err := h.dialogs.Start(ctx, uid, dialogID)
	if errors.Is(err, domain.ErrAlreadyInProgress) {
		st, err = h.dialogs.Current(ctx, uid, dialogID)
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return tghelpers.EditOrSendText(c, textGone)
	case err != nil:
		return err
	}
	return renderState(c, dialogID, st)
}

func (h *Handlers) onDialogAnswer(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	parts, err := callbacks.PayloadInt64s(c, answerSep)
	if err != nil {
		return err
	}
	if len(parts) != 3 {
		return tghelpers.SendText(c, textAnswered)
	}
	dialogID := parts[0]
	st, err := h.dialogs.AdvanceFrom(ctx, tghelpers.SenderID(c), dialogID, parts[1], int(parts[2]))
	switch {
	case errors.Is(err, domain.ErrInvalidAnswer):
		return tghelpers.SendText(c, textAnswered)
	case errors.Is(err, domain.ErrSessionTerminal), errors.Is(err, domain.ErrNotFound):
		return tghelpers.SendText(c, textEnded)
	case err != nil:
		return err
	}
	return renderState(c, dialogID, st)
}

func (h *Handlers) onDialogStop(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	dialogID, err := callbacks.PayloadInt64(c)
	if err != nil {
		return err
	}
	err = h.dialogs.Abandon(ctx, tghelpers.SenderID(c), dialogID)
	if err != nil && !errors.Is(err, domain.ErrSessionTerminal) && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return tghelpers.EditOrSendText(c, textEnded)
}

// onText answers free text with the closest FAQ topics.
func (h *Handlers) onText(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	matches, err := h.dialogs.Search(ctx, c.Text(), searchLimit)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return tghelpers.SendText(c, h.texts.NoAnswer)
	}
	seen := make(map[int64]bool, len(matches))
	btns := make([]keyboard.InlineBtn, 0, len(matches))
	for _, m := range matches {
		if seen[m.DialogID] {
			continue
		}
		seen[m.DialogID] = true
		btns = append(btns, keyboard.InlineBtn{
			Text:   m.Question.Text,
			Unique: cbDialogStart,
			Data:   strconv.FormatInt(m.DialogID, 10),
		})
	}
	return tghelpers.SendText(c, "These topics may help:", keyboard.InlineButtons(btns))
}

// renderState shows the reply to the last answer followed by the next
// question and its options.
func renderState(c tele.Context, dialogID int64, st dialogs.State) error {
	var b strings.Builder
	b.WriteString(st.Reply)
	if st.Done() || st.Question == nil {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(textMore)
		return tghelpers.EditOrSendText(c, b.String())
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(st.Question.Text)

	rows := make([][]keyboard.InlineBtn, 0, len(st.Question.Answers)+1)
	for _, a := range st.Question.Answers {
		rows = append(rows, []keyboard.InlineBtn{{
			Text:   a.Text,
			Unique: cbDialogAnswer,
			Data:   callbacks.Data(answerSep, dialogID, a.ID, int64(st.Session.Moves)),
		}})
	}
	rows = keyboard.WithCancel(rows, cbDialogStop, strconv.FormatInt(dialogID, 10), "")
	return tghelpers.EditOrSendText(c, b.String(), keyboard.InlineButtonsRows(rows...))
}
