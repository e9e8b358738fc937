package wellness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the reminder sweep once a minute.
const DefaultSchedule = "@every 1m"

var scheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Notification is delivered once per session each time it enters a due
// state.
type Notification struct {
	SessionID     string
	State         State
	Status        BreakStatus
	Client        sessions.ClientInfo
	WorkspacePath string
}

// Notifier receives break reminders. Notify runs on its own goroutine and
// must not assume any ordering between sessions.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes each reminder as a structured log record.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	level := slog.LevelInfo
	if n.State == StateForcedBlock {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "wellness.break.due",
		slog.String("session_id", n.SessionID),
		slog.String("state", string(n.State)),
		slog.String("client", n.Client.Name),
		slog.String("workspace", n.WorkspacePath),
		slog.Int("elapsed_min", n.Status.ElapsedMinutes),
		slog.String("message", n.Status.Message),
	)
	return nil
}

// Scheduler periodically enumerates tracked sessions and notifies those that
// have entered a due state since their last notification.
type Scheduler struct {
	tracker  *Tracker
	notifier Notifier
	spec     string
	log      *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

// WithSchedule sets the cron expression (5-field or @every descriptor).
func WithSchedule(spec string) SchedulerOption {
	return func(s *Scheduler) { s.spec = spec }
}

func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

func NewScheduler(t *Tracker, n Notifier, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{tracker: t, notifier: n, spec: DefaultSchedule, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Logger: s.log}
	}
	if _, err := scheduleParser.Parse(s.spec); err != nil {
		return nil, fmt.Errorf("wellness: invalid schedule %q: %w", s.spec, err)
	}
	return s, nil
}

// RunOnce performs a single sweep and returns the number of notifications
// dispatched. It does not wait for the notifications to complete.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	dispatched := 0
	for _, rec := range s.tracker.Sessions() {
		st := s.tracker.GetBreakStatus(rec.SessionID)
		if !st.State.Due() || !s.tracker.markNotified(rec.SessionID, st.State) {
			continue
		}
		n := Notification{
			SessionID:     rec.SessionID,
			State:         st.State,
			Status:        st,
			Client:        rec.Client,
			WorkspacePath: rec.WorkspacePath,
		}
		s.dispatch(ctx, n)
		dispatched++
	}
	return dispatched
}

func (s *Scheduler) dispatch(ctx context.Context, n Notification) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.ErrorContext(ctx, "wellness.notify.panic", slog.String("session_id", n.SessionID), slog.Any("panic", r))
			}
		}()
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.WarnContext(ctx, "wellness.notify.fail", slog.String("session_id", n.SessionID), slog.String("err", err.Error()))
		}
	}()
}

// Start begins periodic sweeps. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("wellness: scheduler is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := cron.PrintfLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, func() {
		if n := s.RunOnce(runCtx); n > 0 {
			s.log.DebugContext(runCtx, "wellness.sweep", slog.Int("notified", n))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("wellness: scheduling sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.log.InfoContext(ctx, "wellness.scheduler.start", slog.String("schedule", s.spec))
	return nil
}

// Stop halts future sweeps and waits for a running sweep and any in-flight
// notifications to finish, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	stopped := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.pending.Wait()
		close(done)
	}()
	defer cancel()
	select {
	case <-done:
		s.log.InfoContext(ctx, "wellness.scheduler.stop")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
