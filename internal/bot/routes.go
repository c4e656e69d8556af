// Package bot adapts Telegram updates into conversation events and delivers
// the machine's replies back through an asynchronous send queue.
package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/menubot/core/logger"
	"github.com/m3rciful/menubot/internal/pipeline"
	"github.com/m3rciful/menubot/internal/session"
)

// Bot binds the conversation machine to a telebot instance.
type Bot struct {
	tb      *tele.Bot
	machine *session.Machine
	sender  *Sender
	workDir string
}

// register wires all routes on the underlying telebot instance.
func (b *Bot) register() {
	b.tb.Handle("/start", b.onStart)
	b.tb.Handle("/cancel", b.onCancel)
	b.tb.Handle("/back", b.onBack)
	b.tb.Handle(tele.OnText, b.onText)
	b.tb.Handle(tele.OnVoice, b.onMedia)
	b.tb.Handle(tele.OnAudio, b.onMedia)
	b.tb.Handle(tele.OnVideo, b.onMedia)
	b.tb.Handle(tele.OnDocument, b.onMedia)
}

func (b *Bot) onStart(c tele.Context) error {
	ctx := ctxFrom(c)
	reply, err := b.machine.Start(ctx, c.Sender().ID)
	if err != nil {
		return b.replyError(c, err)
	}
	return b.deliver(c, reply)
}

func (b *Bot) onCancel(c tele.Context) error {
	return b.dispatch(c, session.Cancel{})
}

func (b *Bot) onBack(c tele.Context) error {
	return b.dispatch(c, session.Back{})
}

func (b *Bot) onText(c tele.Context) error {
	text := strings.TrimSpace(c.Text())
	switch {
	case text == backLabel || strings.EqualFold(text, "back"):
		return b.dispatch(c, session.Back{})
	case text == cancelLabel || strings.EqualFold(text, "cancel"):
		return b.dispatch(c, session.Cancel{})
	}
	return b.dispatch(c, session.SelectOption{Choice: text})
}

// onMedia downloads the attached file into the pipeline work dir and submits
// it as a media event. The local path doubles as the job's input reference.
func (b *Bot) onMedia(c tele.Context) error {
	ctx := ctxFrom(c)

	file, name := attachedFile(c.Message())
	if file == nil {
		return b.dispatch(c, session.SubmitMedia{InputRef: ""})
	}

	local := filepath.Join(b.workDir, uuid.NewString()+filepath.Ext(name))
	if err := b.tb.Download(file, local); err != nil {
		logger.Error(ctx, "tg", "media.download",
			slog.String("err", sanitizeError(err)),
		)
		return b.sendText(c, "I couldn't download that file, please try again.")
	}

	logger.Info(ctx, "tg", "media.downloaded",
		slog.String("input_ref", local),
	)
	return b.dispatch(c, session.SubmitMedia{InputRef: local})
}

// dispatch runs one event through the machine and delivers the outcome.
// Invalid input and backpressure still carry a user-facing reply.
func (b *Bot) dispatch(c tele.Context, ev session.Event) error {
	ctx := ctxFrom(c)
	reply, err := b.machine.HandleEvent(ctx, c.Sender().ID, ev)
	if err != nil && !errors.Is(err, session.ErrInvalidInput) &&
		!errors.Is(err, pipeline.ErrResourceExhausted) {
		return b.replyError(c, err)
	}
	if reply == nil {
		return nil
	}
	return b.deliver(c, reply)
}

func (b *Bot) replyError(c tele.Context, err error) error {
	logger.Error(ctxFrom(c), "tg", "handler.fail",
		slog.String("err", sanitizeError(err)),
	)
	return b.sendText(c, "Something went wrong, please try again.")
}

// sendText delivers a bare notice with the standard navigation keyboard.
func (b *Bot) sendText(c tele.Context, text string) error {
	return b.deliver(c, &session.Reply{Text: text})
}

// deliver sends a machine reply to the chat through the async sender.
func (b *Bot) deliver(c tele.Context, reply *session.Reply) error {
	ctx := ctxFrom(c)
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	return b.sendReply(ctx, chat, reply)
}

func (b *Bot) sendReply(ctx context.Context, to tele.Recipient, reply *session.Reply) error {
	markup := buildMarkup(reply)

	if len(reply.Text) > maxMessageLen {
		doc, path, err := longTextDocument(b.workDir, reply.Text)
		if err != nil {
			return err
		}
		return b.enqueue(ctx, "send_document", func() error {
			defer os.Remove(path)
			_, err := b.tb.Send(to, doc, markup)
			return err
		})
	}

	text := reply.Text
	return b.enqueue(ctx, "send_message", func() error {
		_, err := b.tb.Send(to, text, markup)
		return err
	})
}

// NotifyCompletion delivers a finished job's outcome to the user: the
// converted file first when there is one, then the menu reply.
func (b *Bot) NotifyCompletion(ctx context.Context, userID int64, reply *session.Reply, outputRef string) {
	to := &tele.User{ID: userID}

	if outputRef != "" {
		doc := &tele.Document{
			File:     tele.FromDisk(outputRef),
			FileName: filepath.Base(outputRef),
		}
		if err := b.enqueue(ctx, "send_result", func() error {
			_, err := b.tb.Send(to, doc)
			return err
		}); err != nil {
			logger.Error(ctx, "tg", "completion.enqueue",
				slog.Int64("user_id", userID),
				slog.String("err", err.Error()),
			)
		}
	}

	if reply != nil {
		if err := b.sendReply(ctx, to, reply); err != nil {
			logger.Error(ctx, "tg", "completion.send",
				slog.Int64("user_id", userID),
				slog.String("err", err.Error()),
			)
		}
	}
}

func (b *Bot) enqueue(ctx context.Context, action string, run func() error) error {
	err := b.sender.Enqueue(ctx, action, run)
	if errors.Is(err, ErrSendQueueFull) {
		// Degrade to a synchronous send rather than dropping the reply.
		return run()
	}
	return err
}

// attachedFile extracts the downloadable file and its original name from a
// message carrying media.
func attachedFile(m *tele.Message) (*tele.File, string) {
	switch {
	case m == nil:
		return nil, ""
	case m.Voice != nil:
		return &m.Voice.File, "voice.ogg"
	case m.Audio != nil:
		return &m.Audio.File, m.Audio.FileName
	case m.Video != nil:
		return &m.Video.File, m.Video.FileName
	case m.Document != nil:
		return &m.Document.File, m.Document.FileName
	}
	return nil, ""
}
