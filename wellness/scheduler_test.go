package wellness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sessions"
)

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Notification
	wait chan struct{}
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	if r.wait != nil {
		r.wait <- struct{}{}
	}
	return nil
}

func (r *recordingNotifier) snapshot() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func TestScheduler_NotifiesOncePerState(t *testing.T) {
	clk := newFakeClock()
	tr := newTracker(t, clk)
	rn := &recordingNotifier{wait: make(chan struct{}, 10)}
	s, err := NewScheduler(tr, rn)
	if err != nil {
		t.Fatal(err)
	}

	tr.RecordActivity("due", sessions.ClientInfo{Name: "zed"}, "/w")
	tr.RecordActivity("fresh", sessions.ClientInfo{}, "")
	work(tr, clk, "due", 35*time.Minute, time.Minute)
	tr.RecordActivity("fresh", sessions.ClientInfo{}, "")

	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}
	<-rn.wait
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("re-notified same state: %d", n)
	}

	work(tr, clk, "due", 60*time.Minute, time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("escalation dispatched %d, want 1", n)
	}
	<-rn.wait

	got := rn.snapshot()
	if got[0].SessionID != "due" || got[0].State != StateBreakDue || got[0].Client.Name != "zed" {
		t.Fatalf("first notification = %+v", got[0])
	}
	if got[1].State != StateBreakDueLong {
		t.Fatalf("second notification state = %s", got[1].State)
	}

	tr.RecordBreak("due", 5)
	work(tr, clk, "due", 31*time.Minute, time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("after break, dispatched %d, want 1", n)
	}
	<-rn.wait
}

func TestScheduler_NotifierPanicRecovered(t *testing.T) {
	clk := newFakeClock()
	tr := newTracker(t, clk)
	done := make(chan struct{})
	s, err := NewScheduler(tr, NotifierFunc(func(context.Context, Notification) error {
		defer close(done)
		panic("boom")
	}))
	if err != nil {
		t.Fatal(err)
	}
	tr.RecordActivity("s", sessions.ClientInfo{}, "")
	work(tr, clk, "s", 31*time.Minute, time.Minute)

	s.RunOnce(context.Background())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier never ran")
	}
	s.pending.Wait()
}

func TestScheduler_StartStop(t *testing.T) {
	clk := newFakeClock()
	tr := newTracker(t, clk)
	rn := &recordingNotifier{}
	s, err := NewScheduler(tr, rn, WithSchedule("@every 1s"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	tr := newTracker(t, newFakeClock())
	if _, err := NewScheduler(tr, nil, WithSchedule("not a schedule")); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}
