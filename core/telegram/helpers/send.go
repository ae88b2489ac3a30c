package helpers

import (
	"log/slog"

	"github.com/m3rciful/funnelbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

func send(c tele.Context, action string, run func() error) error {
	err := run()
	if err != nil {
		logger.Warn(BuildContext(c), logger.CompTG, "reply.fail",
			slog.String("status", "fail"),
			slog.String("action", action),
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
	}
	return err
}

// SendText sends raw text (no parse mode) to the current chat.
func SendText(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if len(markup) > 0 {
		opts.ReplyMarkup = markup[0]
	}
	return send(c, "send.text", func() error { return c.Send(text, opts) })
}

// SendMD sends a Markdown message with optional reply markup.
func SendMD(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeMarkdown, DisableWebPagePreview: true}
	if len(markup) > 0 {
		opts.ReplyMarkup = markup[0]
	}
	return send(c, "send.md", func() error { return c.Send(text, opts) })
}

// EditOrSendText edits the callback message or sends a new one.
func EditOrSendText(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if len(markup) > 0 {
		opts.ReplyMarkup = markup[0]
	}
	return send(c, "edit_or_send.text", func() error { return c.EditOrSend(text, opts) })
}

// SendDocument uploads an in-memory file to the current chat.
func SendDocument(c tele.Context, doc *tele.Document) error {
	return send(c, "send.document", func() error { return c.Send(doc) })
}
