package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/m3rciful/menubot/core/logger"
	"github.com/m3rciful/menubot/internal/lock"
	"github.com/m3rciful/menubot/internal/menu"
	"github.com/m3rciful/menubot/internal/pipeline"
)

// MachineConfig tunes the state machine.
type MachineConfig struct {
	// HistoryLimit bounds the navigation history depth per session.
	HistoryLimit int
	// SaveRetries bounds reload-reapply attempts after a version conflict.
	SaveRetries int
}

// Machine drives per-user conversations over the menu graph. All public
// methods serialize per user behind the locker, so at most one event or
// completion mutates a given session at a time.
type Machine struct {
	registry     *menu.Registry
	store        Store
	jobs         Submitter
	locks        lock.Locker
	historyLimit int
	saveRetries  int
}

// NewMachine wires the machine to its collaborators.
func NewMachine(reg *menu.Registry, store Store, jobs Submitter, locks lock.Locker, cfg MachineConfig) *Machine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.SaveRetries <= 0 {
		cfg.SaveRetries = 3
	}
	return &Machine{
		registry:     reg,
		store:        store,
		jobs:         jobs,
		locks:        locks,
		historyLimit: cfg.HistoryLimit,
		saveRetries:  cfg.SaveRetries,
	}
}

// HandleEvent processes one inbound event for userID and returns the reply to
// deliver. A non-nil reply accompanies ErrInvalidInput so the dispatcher can
// still answer the user; the session is not mutated on that path. A
// redelivered event (same fingerprint, applied from the same state as the
// last one) returns the cached reply; the same button pressed again after
// the session moved on is a new event.
func (m *Machine) HandleEvent(ctx context.Context, userID int64, ev Event) (*Reply, error) {
	release, err := m.locks.Acquire(ctx, lockKey(userID))
	if err != nil {
		return nil, fmt.Errorf("session: lock user %d: %w", userID, err)
	}
	defer release()

	fp := ev.Fingerprint()

	for attempt := 0; attempt < m.saveRetries; attempt++ {
		s, err := m.loadOrNew(ctx, userID)
		if err != nil {
			return nil, err
		}

		key := dedupKey(s, fp)
		if s.LastEventKey == key && s.LastReply != nil {
			logger.Debug(ctx, "session", "event.duplicate",
				slog.Int64("user_id", userID),
				slog.String("event", fp),
			)
			return s.LastReply.clone(), nil
		}

		next := s.Clone()
		reply, submitRef, applyErr := m.apply(next, ev)
		if applyErr != nil {
			return reply, applyErr
		}

		var jobID string
		if submitRef != "" {
			jobID, err = m.jobs.Submit(ctx, userID, submitRef)
			if err != nil {
				if errors.Is(err, pipeline.ErrResourceExhausted) {
					return &Reply{Text: "The converter is busy right now, please try again in a moment."}, err
				}
				return nil, fmt.Errorf("session: submit media: %w", err)
			}
			next.PendingJobID = jobID
		}

		next.LastEventKey = key
		next.LastReply = reply
		next.UpdatedAt = time.Now().UTC()

		if err := m.store.SaveSession(ctx, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				if jobID != "" {
					m.jobs.Cancel(jobID)
				}
				logger.Warn(ctx, "session", "save.conflict",
					slog.Int64("user_id", userID),
					slog.Int("attempt", attempt+1),
				)
				continue
			}
			return nil, fmt.Errorf("session: save user %d: %w", userID, err)
		}

		logger.Info(ctx, "session", "event.applied",
			slog.Int64("user_id", userID),
			slog.String("event", fp),
			slog.String("state", string(next.State)),
			slog.String("node_id", next.CurrentNode),
			slog.Int64("version", next.Version),
		)
		return reply, nil
	}

	return &Reply{Text: "Something went wrong, please try again."},
		fmt.Errorf("session: user %d: retries exhausted: %w", userID, ErrVersionConflict)
}

// CompleteJob folds a finished media job back into the session. It re-acquires
// the user lock, so a completion never races a user event. Stale job ids
// (already canceled or superseded) are ignored; the returned bool reports
// whether the reply should be delivered.
func (m *Machine) CompleteJob(ctx context.Context, userID int64, res JobResult) (*Reply, bool, error) {
	release, err := m.locks.Acquire(ctx, lockKey(userID))
	if err != nil {
		return nil, false, fmt.Errorf("session: lock user %d: %w", userID, err)
	}
	defer release()

	for attempt := 0; attempt < m.saveRetries; attempt++ {
		s, err := m.loadOrNew(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if s.PendingJobID != res.JobID {
			logger.Debug(ctx, "session", "job.stale",
				slog.Int64("user_id", userID),
				slog.String("job_id", res.JobID),
			)
			return nil, false, nil
		}

		next := s.Clone()
		next.PendingJobID = ""
		// Completion invalidates the duplicate-detection window: a resubmitted
		// media event after this point is a new request, not a redelivery.
		next.LastEventKey = ""
		next.LastReply = nil

		var reply *Reply
		if res.OK() {
			target := next.ActionTarget
			next.ActionTarget = ""
			node, rerr := m.registry.Resolve(target)
			if rerr != nil {
				next.State = StateError
				reply = &Reply{Text: "Your file was converted, but the menu moved on. Send cancel to start over."}
			} else {
				m.pushHistory(next, next.CurrentNode)
				next.CurrentNode = node.ID
				next.State = StateNavigating
				reply = m.render(node)
				reply.Text = "Done! Here is your converted file.\n\n" + reply.Text
			}
		} else {
			// Stay where we are; the user can resubmit or cancel.
			next.State = StateAwaitingMedia
			reply = &Reply{Text: "Conversion failed: " + res.Err + "\nSend another file or cancel."}
		}
		next.UpdatedAt = time.Now().UTC()

		if err := m.store.SaveSession(ctx, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, false, fmt.Errorf("session: save user %d: %w", userID, err)
		}

		logger.Info(ctx, "session", "job.completed",
			slog.Int64("user_id", userID),
			slog.String("job_id", res.JobID),
			slog.String("state", string(next.State)),
			slog.String("node_id", next.CurrentNode),
		)
		return reply, true, nil
	}

	return nil, false, fmt.Errorf("session: user %d: retries exhausted: %w", userID, ErrVersionConflict)
}

// Start resets the user to the root menu, for the dispatcher's /start command.
func (m *Machine) Start(ctx context.Context, userID int64) (*Reply, error) {
	return m.HandleEvent(ctx, userID, Cancel{})
}

// loadOrNew fetches the session or builds a fresh one. A stored current node
// that no longer exists in the menu graph (for example after a menu redeploy)
// flips the session into the error state rather than guessing.
func (m *Machine) loadOrNew(ctx context.Context, userID int64) (*Session, error) {
	s, err := m.store.LoadSession(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return New(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load user %d: %w", userID, err)
	}
	if s.CurrentNode != "" && s.State != StateError {
		if _, rerr := m.registry.Resolve(s.CurrentNode); rerr != nil {
			s.State = StateError
		}
	}
	return s, nil
}

// apply mutates next according to ev and returns the reply plus an optional
// media reference to submit. On ErrInvalidInput next must be discarded.
func (m *Machine) apply(next *Session, ev Event) (*Reply, string, error) {
	if next.State == StateError {
		if _, isCancel := ev.(Cancel); !isCancel {
			return &Reply{Text: "Your session is in a broken state. Send cancel to start over."},
				"", fmt.Errorf("%w: %w", ErrInvalidInput, ErrCorrupted)
		}
	}

	switch e := ev.(type) {
	case SelectOption:
		return m.applySelect(next, e)
	case SubmitMedia:
		return m.applySubmit(next, e)
	case Back:
		return m.applyBack(next)
	case Cancel:
		return m.applyCancel(next)
	default:
		return nil, "", fmt.Errorf("%w: unknown event %T", ErrInvalidInput, ev)
	}
}

func (m *Machine) applySelect(next *Session, e SelectOption) (*Reply, string, error) {
	if next.State == StateAwaitingMedia {
		return &Reply{Text: "I'm waiting for your file. Send it, or send cancel."},
			"", ErrInvalidInput
	}

	node := m.enterNavigation(next)
	opt := matchOption(node, e.Choice)
	if opt == nil {
		reply := m.render(node)
		reply.Text = "I don't know that option.\n\n" + reply.Text
		return reply, "", ErrInvalidInput
	}

	switch opt.Target {
	case menu.TargetBack:
		return m.applyBack(next)
	case menu.TargetCancel:
		return m.applyCancel(next)
	case menu.TargetRoot:
		next.CurrentNode = menu.RootID
		next.History = nil
		return m.render(m.registry.Root()), "", nil
	}

	if opt.Action != "" {
		next.State = StateAwaitingMedia
		next.ActionTarget = opt.Target
		return &Reply{Text: "Send me the file for \"" + opt.Label + "\"."}, "", nil
	}

	target, err := m.registry.Resolve(opt.Target)
	if err != nil {
		// Validate() rejects dangling targets at load time, so this means the
		// graph changed underneath a live session.
		return &Reply{Text: "That option is gone. Send cancel to start over."}, "", ErrInvalidInput
	}
	m.pushHistory(next, node.ID)
	next.CurrentNode = target.ID
	return m.render(target), "", nil
}

func (m *Machine) applySubmit(next *Session, e SubmitMedia) (*Reply, string, error) {
	if next.State != StateAwaitingMedia {
		return &Reply{Text: "I wasn't expecting a file. Pick a menu option first."},
			"", ErrInvalidInput
	}
	if next.PendingJobID != "" {
		return &Reply{Text: "I'm still working on your previous file. Wait for it or send cancel."},
			"", ErrInvalidInput
	}
	if strings.TrimSpace(e.InputRef) == "" {
		return &Reply{Text: "I couldn't read that file, please send it again."},
			"", ErrInvalidInput
	}
	return &Reply{Text: "Got it, converting your file. I'll message you when it's ready."},
		e.InputRef, nil
}

func (m *Machine) applyBack(next *Session) (*Reply, string, error) {
	if next.State == StateAwaitingMedia {
		return &Reply{Text: "Finish or cancel the current upload before going back."},
			"", ErrInvalidInput
	}
	m.enterNavigation(next)
	if len(next.History) == 0 {
		next.CurrentNode = menu.RootID
		return m.render(m.registry.Root()), "", nil
	}
	prev := next.History[len(next.History)-1]
	next.History = next.History[:len(next.History)-1]
	node, err := m.registry.Resolve(prev)
	if err != nil {
		next.History = nil
		next.CurrentNode = menu.RootID
		return m.render(m.registry.Root()), "", nil
	}
	next.CurrentNode = node.ID
	return m.render(node), "", nil
}

func (m *Machine) applyCancel(next *Session) (*Reply, string, error) {
	if next.PendingJobID != "" {
		m.jobs.Cancel(next.PendingJobID)
		next.PendingJobID = ""
		next.ActionTarget = ""
		next.State = StateNavigating
		node, err := m.registry.Resolve(next.CurrentNode)
		if err != nil {
			node = m.registry.Root()
			next.CurrentNode = node.ID
			next.History = nil
		}
		reply := m.render(node)
		reply.Text = "Canceled.\n\n" + reply.Text
		return reply, "", nil
	}

	next.State = StateNavigating
	next.CurrentNode = menu.RootID
	next.History = nil
	next.ActionTarget = ""
	reply := m.render(m.registry.Root())
	return reply, "", nil
}

// enterNavigation promotes an idle session to navigating at root and returns
// the current node.
func (m *Machine) enterNavigation(next *Session) *menu.Node {
	if next.State == StateIdle || next.CurrentNode == "" {
		next.State = StateNavigating
		next.CurrentNode = menu.RootID
	}
	node, err := m.registry.Resolve(next.CurrentNode)
	if err != nil {
		node = m.registry.Root()
		next.CurrentNode = node.ID
		next.History = nil
	}
	return node
}

func (m *Machine) pushHistory(next *Session, nodeID string) {
	next.History = append(next.History, nodeID)
	if len(next.History) > m.historyLimit {
		next.History = next.History[len(next.History)-m.historyLimit:]
	}
}

// render turns a menu node into a reply with its option labels.
func (m *Machine) render(node *menu.Node) *Reply {
	r := &Reply{Text: node.Prompt}
	for _, opt := range node.Options {
		r.Options = append(r.Options, opt.Label)
	}
	return r
}

// dedupKey scopes an event fingerprint to the state it is applied in.
// Idempotence only holds for replays from the same starting state: the same
// button pressed again after the session moved to another node is a fresh
// transition, not a redelivery.
func dedupKey(s *Session, fp string) string {
	return fmt.Sprintf("%s@%s/%s", fp, s.State, s.CurrentNode)
}

// matchOption resolves a user choice against a node's options by
// case-insensitive label or by 1-based index.
func matchOption(node *menu.Node, choice string) *menu.Option {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return nil
	}
	for i := range node.Options {
		if strings.EqualFold(node.Options[i].Label, choice) {
			return &node.Options[i]
		}
	}
	if idx, err := strconv.Atoi(choice); err == nil {
		if idx >= 1 && idx <= len(node.Options) {
			return &node.Options[idx-1]
		}
	}
	return nil
}

func (r *Reply) clone() *Reply {
	cp := *r
	cp.Options = append([]string(nil), r.Options...)
	return &cp
}
