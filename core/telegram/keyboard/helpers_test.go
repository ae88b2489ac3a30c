package keyboard

import "testing"

func TestInlineButtonsRows(t *testing.T) {
	rows := WithCancel([][]InlineBtn{
		{{Text: "Yes", Unique: "dlg_ans", Data: "1:2"}},
		nil,
		{{Text: "No", Unique: "dlg_ans", Data: "1:3"}},
	}, "dlg_stop", "1", "")
	markup := InlineButtonsRows(rows...)
	if len(markup.InlineKeyboard) != 3 {
		t.Fatalf("rows = %d, want 3", len(markup.InlineKeyboard))
	}
	last := markup.InlineKeyboard[2][0]
	if last.Text != defaultCancelButtonText || last.Unique != "dlg_stop" {
		t.Fatalf("cancel button = %+v", last)
	}
}
