package bot

import (
	"os"
	"path/filepath"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/menubot/internal/session"
)

const (
	backLabel   = "⬅️ Back"
	cancelLabel = "❌ Cancel"

	// Telegram caps messages at 4096 chars; longer replies go out as a file.
	maxMessageLen = 4000
)

// buildMarkup renders a reply's options as a reply keyboard, two per row,
// with a navigation row at the bottom.
func buildMarkup(r *session.Reply) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{ResizeKeyboard: true}

	var rows []tele.Row
	for i := 0; i < len(r.Options); i += 2 {
		end := i + 2
		if end > len(r.Options) {
			end = len(r.Options)
		}
		var btns []tele.Btn
		for _, label := range r.Options[i:end] {
			btns = append(btns, markup.Text(label))
		}
		rows = append(rows, markup.Row(btns...))
	}
	rows = append(rows, markup.Row(markup.Text(backLabel), markup.Text(cancelLabel)))

	markup.Reply(rows...)
	return markup
}

// longTextDocument spills an oversized reply into a temp file to be sent as a
// document. The caller owns cleanup of the returned path.
func longTextDocument(workDir, text string) (*tele.Document, string, error) {
	f, err := os.CreateTemp(workDir, "reply-*.txt")
	if err != nil {
		return nil, "", err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, "", err
	}
	doc := &tele.Document{
		File:     tele.FromDisk(f.Name()),
		FileName: filepath.Base(f.Name()),
	}
	return doc, f.Name(), nil
}
