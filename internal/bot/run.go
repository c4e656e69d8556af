package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/m3rciful/menubot/core/config"
	"github.com/m3rciful/menubot/core/logger"
	"github.com/m3rciful/menubot/internal/session"
)

// Options wires the bot to its collaborators.
type Options struct {
	Config  *coreconfig.Config
	Machine *session.Machine
	Sender  SenderOptions
}

// New builds the telebot instance, registers routes and middleware, and
// returns the composed bot. Run starts it.
func New(opts Options) (*Bot, error) {
	if opts.Config == nil {
		return nil, errors.New("bot: nil config")
	}
	cfg := opts.Config

	poller := buildPoller(cfg)
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: poller,
		Client: buildHTTPClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("bot: init: %w", err)
	}

	b := &Bot{
		tb:      tb,
		machine: opts.Machine,
		sender:  NewSender(opts.Sender),
		workDir: cfg.Pipeline.WorkDir,
	}

	tb.Use(recoverMiddleware, contextMiddleware)
	if interval := time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond; interval > 0 {
		tb.Use(rateLimitMiddleware(interval, nil))
	}
	b.register()

	if err := tb.SetCommands([]tele.Command{
		{Text: "/start", Description: "Open the main menu"},
		{Text: "/back", Description: "Go one step back"},
		{Text: "/cancel", Description: "Cancel and return to the main menu"},
	}); err != nil {
		logger.Warn(logger.Background(), "tg", "commands.set_failed",
			slog.String("err", sanitizeError(err)),
		)
	}

	return b, nil
}

// Run blocks until ctx is done or the poller stops, then drains the sender.
func (b *Bot) Run(ctx context.Context) error {
	cfgMode := "polling"
	if _, ok := b.tb.Poller.(*tele.Webhook); ok {
		cfgMode = "webhook"
	}
	logger.Info(ctx, "tg", "bot.start", slog.String("mode", cfgMode))

	done := make(chan struct{})
	go func() {
		b.tb.Start()
		close(done)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		b.tb.Stop()
		<-done
		runErr = ctx.Err()
	case <-done:
	}

	b.sender.Close()
	logger.Info(logger.Background(), "tg", "bot.stop")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func buildPoller(cfg *coreconfig.Config) tele.Poller {
	if cfg.Telegram.RunMode == coreconfig.RunModeWebhook {
		return &tele.Webhook{
			Listen:   fmt.Sprintf("%s:%d", cfg.Webhook.Listen, cfg.Webhook.Port),
			Endpoint: &tele.WebhookEndpoint{PublicURL: cfg.Webhook.URL},
		}
	}

	// Long polling conflicts with a previously registered webhook; drop it.
	if err := deleteWebhook(cfg.Telegram.Token); err != nil {
		logger.Warn(logger.Background(), "tg", "delete_webhook",
			slog.String("err", sanitizeError(err)),
		)
	}

	timeoutSec := cfg.Telegram.LongPollTimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &tele.LongPoller{Timeout: time.Duration(timeoutSec) * time.Second}
}

func deleteWebhook(token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("empty token")
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/deleteWebhook", token)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		strings.NewReader("drop_pending_updates=false"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deleteWebhook status: %s", resp.Status)
	}
	return nil
}
