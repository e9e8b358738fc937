// Package wellness tracks per-session work time and decides when a client
// must rest.
//
// Each session moves through FRESH, ACTIVE, BREAK_DUE, BREAK_DUE_LONG and
// FORCED_BLOCK as continuous work accumulates since its last rest. A rest is
// either an explicit RecordBreak or an idle gap of at least IdleReset between
// requests. An idle gap only counts if it completes before the session would
// have reached FORCED_BLOCK; once blocked, only RecordBreak lifts the block.
// FORCED_BLOCK is enforced by the gateway: callers must check
// IsForcedBreakRequired before RecordActivity so that a rejected request does
// not itself count as work.
package wellness

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sessions"
	lru "github.com/hashicorp/golang-lru/v2"
)

type State string

const (
	StateFresh        State = "FRESH"
	StateActive       State = "ACTIVE"
	StateBreakDue     State = "BREAK_DUE"
	StateBreakDueLong State = "BREAK_DUE_LONG"
	StateForcedBlock  State = "FORCED_BLOCK"
)

// Due reports whether the state warrants a break notification.
func (s State) Due() bool {
	return s == StateBreakDue || s == StateBreakDueLong || s == StateForcedBlock
}

// Thresholds controls the state machine. All durations are measured from the
// session's work anchor.
type Thresholds struct {
	FreshPeriod      time.Duration
	BreakAfter       time.Duration
	LongBreakAfter   time.Duration
	ForcedBreakAfter time.Duration
	WaterInterval    time.Duration
	// IdleReset is the request gap treated as a natural rest.
	IdleReset time.Duration
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FreshPeriod:      5 * time.Minute,
		BreakAfter:       30 * time.Minute,
		LongBreakAfter:   90 * time.Minute,
		ForcedBreakAfter: 120 * time.Minute,
		WaterInterval:    20 * time.Minute,
		IdleReset:        15 * time.Minute,
	}
}

// Validate checks that thresholds are positive and ordered.
func (th Thresholds) Validate() error {
	if th.FreshPeriod < 0 || th.BreakAfter <= 0 || th.WaterInterval <= 0 || th.IdleReset <= 0 {
		return fmt.Errorf("wellness: thresholds must be positive")
	}
	if !(th.BreakAfter < th.LongBreakAfter && th.LongBreakAfter < th.ForcedBreakAfter) {
		return fmt.Errorf("wellness: thresholds must satisfy break (%s) < long break (%s) < forced break (%s)",
			th.BreakAfter, th.LongBreakAfter, th.ForcedBreakAfter)
	}
	return nil
}

const DefaultMaxSessions = 10000

// ActivityRecord is the per-session activity state.
type ActivityRecord struct {
	SessionID      string    `json:"sessionId"`
	SessionStartAt time.Time `json:"sessionStartAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	// WorkStartAt anchors elapsed work; it moves on every rest.
	WorkStartAt       time.Time           `json:"workStartAt"`
	TotalActiveTime   time.Duration       `json:"totalActiveTime"`
	BreakCount        int                 `json:"breakCount"`
	LastBreakAt       time.Time           `json:"lastBreakAt,omitzero"`
	LastBreakDuration time.Duration       `json:"lastBreakDuration,omitempty"`
	LastHydrationAt   time.Time           `json:"lastHydrationAt"`
	Client            sessions.ClientInfo `json:"client"`
	WorkspacePath     string              `json:"workspacePath,omitempty"`
	LastNotifiedState State               `json:"lastNotifiedState,omitempty"`
}

// BreakStatus is a point-in-time view of a session's wellness.
type BreakStatus struct {
	SessionID               string     `json:"sessionId"`
	State                   State      `json:"state"`
	ShouldTakeBreak         bool       `json:"shouldTakeBreak"`
	ShouldTakeLongBreak     bool       `json:"shouldTakeLongBreak"`
	ForcedBreak             bool       `json:"forcedBreak"`
	ShouldDrinkWater        bool       `json:"shouldDrinkWater"`
	ElapsedMinutes          int        `json:"elapsedMinutes"`
	MinutesUntilBreak       int        `json:"minutesUntilBreak"`
	MinutesUntilForcedBreak int        `json:"minutesUntilForcedBreak"`
	BreakCount              int        `json:"breakCount"`
	LastBreakAt             *time.Time `json:"lastBreakAt,omitempty"`
	TotalActiveMinutes      int        `json:"totalActiveMinutes"`
	Message                 string     `json:"message"`
}

// Stats aggregates all tracked sessions.
type Stats struct {
	Sessions           int           `json:"sessions"`
	ByState            map[State]int `json:"byState"`
	TotalBreaks        int           `json:"totalBreaks"`
	TotalActiveMinutes int           `json:"totalActiveMinutes"`
}

// Tracker is safe for concurrent use. Requests sharing a session id may
// interleave; timestamp fields are last-writer-wins.
type Tracker struct {
	th  Thresholds
	now func() time.Time
	log *slog.Logger

	mu      sync.Mutex
	records *lru.Cache[string, *ActivityRecord]
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// NewTracker returns a Tracker holding at most maxSessions records; the least
// recently active are evicted first.
func NewTracker(th Thresholds, maxSessions int, opts ...Option) (*Tracker, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	cache, err := lru.New[string, *ActivityRecord](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("wellness: creating LRU: %w", err)
	}
	t := &Tracker{th: th, now: time.Now, log: slog.Default(), records: cache}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Thresholds returns the configured thresholds.
func (t *Tracker) Thresholds() Thresholds { return t.th }

// RecordActivity marks one request against the session, creating its record
// on first sight. The client is replaced only by a more confident detection. Active time accumulates only across gaps shorter than
// IdleReset; a longer gap re-anchors the work period unless the session was
// blocked before the gap completed.
func (t *Tracker) RecordActivity(id string, client sessions.ClientInfo, workspace string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records.Get(id)
	if !ok {
		t.records.Add(id, &ActivityRecord{
			SessionID:       id,
			SessionStartAt:  now,
			LastActivityAt:  now,
			WorkStartAt:     now,
			LastHydrationAt: now,
			Client:          client,
			WorkspacePath:   workspace,
		})
		return
	}
	if client.Confidence > rec.Client.Confidence || rec.Client.Name == "" {
		rec.Client = client
	}
	if workspace != "" {
		rec.WorkspacePath = workspace
	}
	if !now.After(rec.LastActivityAt) {
		return
	}
	gap := now.Sub(rec.LastActivityAt)
	switch {
	case gap < t.th.IdleReset:
		rec.TotalActiveTime += gap
	case t.rested(rec, now):
		rec.WorkStartAt = now
		rec.LastNotifiedState = ""
	}
	rec.LastActivityAt = now
}

// RecordBreak records a rest of durationMinutes (zero if unknown) and returns
// the resulting status. The session returns to ACTIVE.
func (t *Tracker) RecordBreak(id string, durationMinutes int) BreakStatus {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.getOrCreate(id, now)
	rec.WorkStartAt = now
	rec.LastActivityAt = now
	rec.LastHydrationAt = now
	rec.LastBreakAt = now
	rec.LastBreakDuration = time.Duration(max(durationMinutes, 0)) * time.Minute
	rec.BreakCount++
	rec.LastNotifiedState = ""

	t.log.Info("wellness.break.recorded",
		slog.String("session_id", id),
		slog.Int("break_count", rec.BreakCount),
		slog.Int("duration_min", max(durationMinutes, 0)))
	return t.status(rec, now)
}

// RecordHydration resets the session's water reminder.
func (t *Tracker) RecordHydration(id string) BreakStatus {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.getOrCreate(id, now)
	rec.LastHydrationAt = now
	return t.status(rec, now)
}

// GetBreakStatus reports the session's status without modifying it. Unknown
// sessions report FRESH.
func (t *Tracker) GetBreakStatus(id string) BreakStatus {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records.Peek(id)
	if !ok {
		return t.status(&ActivityRecord{SessionID: id, WorkStartAt: now, LastActivityAt: now, LastHydrationAt: now}, now)
	}
	return t.status(rec, now)
}

// IsForcedBreakRequired reports whether requests for the session must be
// rejected until a break is recorded.
func (t *Tracker) IsForcedBreakRequired(id string) bool {
	return t.GetBreakStatus(id).ForcedBreak
}

// Sessions returns a snapshot of every tracked record.
func (t *Tracker) Sessions() []ActivityRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ActivityRecord, 0, t.records.Len())
	for _, id := range t.records.Keys() {
		if rec, ok := t.records.Peek(id); ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Stats aggregates status across all tracked sessions.
func (t *Tracker) Stats() Stats {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Stats{ByState: make(map[State]int)}
	for _, id := range t.records.Keys() {
		rec, ok := t.records.Peek(id)
		if !ok {
			continue
		}
		s := t.status(rec, now)
		st.Sessions++
		st.ByState[s.State]++
		st.TotalBreaks += rec.BreakCount
		st.TotalActiveMinutes += s.TotalActiveMinutes
	}
	return st
}

// markNotified records that state was announced for the session. It reports
// false when the session has since left that state or was already notified.
func (t *Tracker) markNotified(id string, state State) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records.Peek(id)
	if !ok || rec.LastNotifiedState == state || t.state(rec, now) != state {
		return false
	}
	rec.LastNotifiedState = state
	return true
}

func (t *Tracker) getOrCreate(id string, now time.Time) *ActivityRecord {
	rec, ok := t.records.Get(id)
	if !ok {
		rec = &ActivityRecord{
			SessionID:       id,
			SessionStartAt:  now,
			LastActivityAt:  now,
			WorkStartAt:     now,
			LastHydrationAt: now,
		}
		t.records.Add(id, rec)
	}
	return rec
}

// rested reports whether the idle gap since the last activity counts as a
// rest at now. The gap must reach IdleReset before the work period reaches
// ForcedBreakAfter.
func (t *Tracker) rested(rec *ActivityRecord, now time.Time) bool {
	if now.Sub(rec.LastActivityAt) < t.th.IdleReset {
		return false
	}
	restedAt := rec.LastActivityAt.Add(t.th.IdleReset)
	return restedAt.Sub(rec.WorkStartAt) < t.th.ForcedBreakAfter
}

// elapsed is the continuous work time at now. A pending idle gap counts as
// rest even before the next request re-anchors the record.
func (t *Tracker) elapsed(rec *ActivityRecord, now time.Time) time.Duration {
	if t.rested(rec, now) {
		return 0
	}
	return max(now.Sub(rec.WorkStartAt), 0)
}

func (t *Tracker) state(rec *ActivityRecord, now time.Time) State {
	el := t.elapsed(rec, now)
	switch {
	case el >= t.th.ForcedBreakAfter:
		return StateForcedBlock
	case el >= t.th.LongBreakAfter:
		return StateBreakDueLong
	case el >= t.th.BreakAfter:
		return StateBreakDue
	case rec.BreakCount == 0 && el < t.th.FreshPeriod:
		return StateFresh
	default:
		return StateActive
	}
}

func (t *Tracker) status(rec *ActivityRecord, now time.Time) BreakStatus {
	el := t.elapsed(rec, now)
	state := t.state(rec, now)
	s := BreakStatus{
		SessionID:               rec.SessionID,
		State:                   state,
		ShouldTakeBreak:         state.Due(),
		ShouldTakeLongBreak:     state == StateBreakDueLong || state == StateForcedBlock,
		ForcedBreak:             state == StateForcedBlock,
		ShouldDrinkWater:        now.Sub(rec.LastHydrationAt) >= t.th.WaterInterval,
		ElapsedMinutes:          minutes(el),
		MinutesUntilBreak:       minutesCeil(t.th.BreakAfter - el),
		MinutesUntilForcedBreak: minutesCeil(t.th.ForcedBreakAfter - el),
		BreakCount:              rec.BreakCount,
		TotalActiveMinutes:      minutes(rec.TotalActiveTime),
	}
	if !rec.LastBreakAt.IsZero() {
		lb := rec.LastBreakAt
		s.LastBreakAt = &lb
	}
	s.Message = message(s)
	return s
}

func minutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

func minutesCeil(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

func message(s BreakStatus) string {
	var msg string
	switch s.State {
	case StateFresh:
		msg = "Session just started. Have a productive session."
	case StateActive:
		msg = fmt.Sprintf("Working for %d minutes; next break suggested in %d minutes.", s.ElapsedMinutes, s.MinutesUntilBreak)
	case StateBreakDue:
		msg = fmt.Sprintf("You have been working for %d minutes. Time for a short break: stand up and stretch.", s.ElapsedMinutes)
	case StateBreakDueLong:
		msg = fmt.Sprintf("You have been working for %d minutes. Please take a longer break; requests will be blocked in %d minutes.", s.ElapsedMinutes, s.MinutesUntilForcedBreak)
	case StateForcedBlock:
		msg = fmt.Sprintf("You have been working for %d minutes without a break. Requests are blocked until a break is recorded with the %s tool.", s.ElapsedMinutes, RecordBreakTool)
	}
	if s.ShouldDrinkWater {
		msg += " Remember to drink some water."
	}
	return msg
}

// Tool names of the operations that clear or inspect wellness state.
const (
	RecordBreakTool     = "record_break"
	StatusTool          = "wellness_status"
	RecordHydrationTool = "record_hydration"
)
