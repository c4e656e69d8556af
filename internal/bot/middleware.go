package bot

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"log/slog"

	"github.com/m3rciful/menubot/core/logger"

	tele "gopkg.in/telebot.v4"
)

const ctxKey = "menubot_ctx"

// recoverMiddleware catches panics in handlers so one bad update cannot take
// the bot down.
func recoverMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctxFrom(c), "tg", "panic",
					slog.Any("err", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		return next(c)
	}
}

// contextMiddleware builds the request context (rid plus update metadata) and
// stashes it on the telebot context, then logs one receipt line per update.
func contextMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		upd := c.Update()
		chatID, userID := int64(0), int64(0)
		if chat := c.Chat(); chat != nil {
			chatID = chat.ID
		}
		if user := c.Sender(); user != nil {
			userID = user.ID
		}

		rid := logger.BuildRID(upd.ID, chatID, userID)
		ctx := logger.WithRID(logger.Background(), rid)
		ctx = logger.WithUpdateMeta(ctx, upd.ID, userID, chatID)
		ctx = logger.WithLogger(ctx, logger.Component("tg"))
		c.Set(ctxKey, ctx)

		logger.Debug(ctx, "tg", "update.received",
			slog.String("payload", logger.SanitizeLimit(c.Text(), 256)),
		)
		return next(c)
	}
}

// rateLimitMiddleware enforces a minimum interval between updates from the
// same user; excess updates are dropped after an optional notice.
func rateLimitMiddleware(interval time.Duration, onLimited tele.HandlerFunc) tele.MiddlewareFunc {
	var (
		lastSeen   = make(map[int64]time.Time)
		lastSeenMu sync.Mutex
	)
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || interval <= 0 {
				return next(c)
			}

			now := time.Now()
			lastSeenMu.Lock()
			if last, ok := lastSeen[user.ID]; ok && now.Sub(last) < interval {
				lastSeenMu.Unlock()
				logger.Warn(ctxFrom(c), "tg", "rate_limit",
					slog.Int64("user_id", user.ID),
				)
				if onLimited != nil {
					_ = onLimited(c)
				}
				return nil
			}
			lastSeen[user.ID] = now
			lastSeenMu.Unlock()
			return next(c)
		}
	}
}

// ctxFrom returns the request context stashed by contextMiddleware, or a
// background context when called outside the middleware chain.
func ctxFrom(c tele.Context) context.Context {
	if v := c.Get(ctxKey); v != nil {
		if ctx, ok := v.(context.Context); ok {
			return ctx
		}
	}
	return logger.Background()
}
