package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coopco/supportbot/internal/agent"
	"github.com/coopco/supportbot/internal/events"
	"github.com/coopco/supportbot/internal/runner"
)

// recorder is a fake agent shared by every session; it records the
// session and message of each chat.
type recorder struct {
	mu    sync.Mutex
	calls []call
	gate  chan struct{}
	// slowStart delays creation of the first agent.
	slowStart time.Duration
	created   int
}

type call struct {
	session string
	message string
}

type recordingAgent struct {
	rec     *recorder
	session string
}

func (a *recordingAgent) Connect(context.Context) error    { return nil }
func (a *recordingAgent) Disconnect(context.Context) error { return nil }
func (a *recordingAgent) SetSystemPrompt(string)           {}

func (a *recordingAgent) Chat(ctx context.Context, msg string, _ agent.ChatCallbacks) (string, error) {
	if a.rec.gate != nil {
		select {
		case <-a.rec.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	a.rec.mu.Lock()
	a.rec.calls = append(a.rec.calls, call{a.session, msg})
	a.rec.mu.Unlock()
	return "[SILENT]", nil
}

func (r *recorder) factory(id string) (agent.Agent, error) {
	r.mu.Lock()
	r.created++
	first := r.created == 1
	r.mu.Unlock()
	if first && r.slowStart > 0 {
		time.Sleep(r.slowStart)
	}
	return &recordingAgent{rec: r, session: id}, nil
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type harness struct {
	dir   string
	rec   *recorder
	pool  *runner.Pool
	sched *Scheduler
}

func newHarness(t *testing.T, rec *recorder, maxPending int) *harness {
	t.Helper()
	return newHarnessWithPool(t, rec, runner.PoolConfig{Runner: runner.Options{MaxPending: maxPending}})
}

func newHarnessWithPool(t *testing.T, rec *recorder, poolCfg runner.PoolConfig) *harness {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "events")
	poolCfg.Factory = rec.factory
	pool := runner.NewPool(poolCfg)
	sched := New(Config{
		EventsDir:      dir,
		DefaultSession: "default",
		Pool:           pool,
		Debounce:       20 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		ReadBackoff:    10 * time.Millisecond,
		RetryBase:      50 * time.Millisecond,
		RetryMax:       200 * time.Millisecond,
	})
	return &harness{dir: dir, rec: rec, pool: pool, sched: sched}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.sched.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func (h *harness) write(t *testing.T, name, content string) {
	t.Helper()
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	tmp := filepath.Join(h.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(h.dir, name)); err != nil {
		t.Fatal(err)
	}
}

func TestImmediateEvent(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	h.write(t, "hello.json", `{"type":"immediate","text":"ping the customer","session":"cust-1"}`)

	waitFor(t, 2*time.Second, func() bool { return len(h.rec.snapshot()) == 1 })
	got := h.rec.snapshot()[0]
	if got.session != "cust-1" {
		t.Errorf("session = %q, want cust-1", got.session)
	}
	if got.message != "[EVENT:hello.json:immediate:immediate] ping the customer" {
		t.Errorf("message = %q", got.message)
	}
	waitFor(t, time.Second, func() bool { return !exists(filepath.Join(h.dir, "hello.json")) })
}

func TestSessionFallbackAndSanitize(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	h.write(t, "a.json", `{"type":"immediate","text":"no session"}`)
	h.write(t, "b.json", `{"type":"immediate","text":"odd session","session":"../x y"}`)

	waitFor(t, 2*time.Second, func() bool { return len(h.rec.snapshot()) == 2 })
	sessions := map[string]bool{}
	for _, c := range h.rec.snapshot() {
		sessions[c.session] = true
	}
	if !sessions["default"] || !sessions["_x_y"] {
		t.Errorf("unexpected sessions %v", sessions)
	}
}

func TestStaleImmediateDeleted(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.write(t, "old.json", `{"type":"immediate","text":"from last run"}`)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(h.dir, "old.json"), past, past); err != nil {
		t.Fatal(err)
	}
	h.start(t)

	if exists(filepath.Join(h.dir, "old.json")) {
		t.Error("stale immediate event should be deleted at startup")
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("stale event executed %d times", n)
	}
}

func TestOneShotFires(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	at := time.Now().Add(300 * time.Millisecond).Format(time.RFC3339Nano)
	h.write(t, "later.json", `{"type":"one-shot","text":"follow up","at":"`+at+`"}`)

	waitFor(t, time.Second, func() bool { return len(h.sched.Status().OneShots) == 1 })
	if n := len(h.rec.snapshot()); n != 0 {
		t.Fatalf("one-shot fired early (%d calls)", n)
	}

	waitFor(t, 2*time.Second, func() bool { return len(h.rec.snapshot()) == 1 })
	if msg := h.rec.snapshot()[0].message; !strings.HasPrefix(msg, "[EVENT:later.json:one-shot:"+at+"]") {
		t.Errorf("message = %q", msg)
	}
	waitFor(t, time.Second, func() bool { return !exists(filepath.Join(h.dir, "later.json")) })
}

func TestPastOneShotDiscarded(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	h.write(t, "past.json", `{"type":"one-shot","text":"too late","at":"2020-01-01T00:00:00Z"}`)
	h.write(t, "garbled.json", `{"type":"one-shot","text":"bad time","at":"next tuesday"}`)

	waitFor(t, 2*time.Second, func() bool {
		return !exists(filepath.Join(h.dir, "past.json")) && !exists(filepath.Join(h.dir, "garbled.json"))
	})
	time.Sleep(100 * time.Millisecond)
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("discarded one-shots executed %d times", n)
	}
}

func TestEditReplacesOneShot(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	far := time.Now().Add(time.Hour).Format(time.RFC3339)
	h.write(t, "edit.json", `{"type":"one-shot","text":"original","at":"`+far+`"}`)
	waitFor(t, time.Second, func() bool { return len(h.sched.Status().OneShots) == 1 })

	soon := time.Now().Add(200 * time.Millisecond).Format(time.RFC3339Nano)
	h.write(t, "edit.json", `{"type":"one-shot","text":"edited","at":"`+soon+`"}`)

	waitFor(t, 2*time.Second, func() bool { return len(h.rec.snapshot()) == 1 })
	if msg := h.rec.snapshot()[0].message; !strings.HasSuffix(msg, "edited") {
		t.Errorf("expected edited event to fire, got %q", msg)
	}
	waitFor(t, time.Second, func() bool { return len(h.sched.Status().OneShots) == 0 })
	time.Sleep(100 * time.Millisecond)
	if n := len(h.rec.snapshot()); n != 1 {
		t.Errorf("expected exactly one execution, got %d", n)
	}
}

func TestDeleteCancelsOneShot(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	at := time.Now().Add(400 * time.Millisecond).Format(time.RFC3339Nano)
	h.write(t, "cancel.json", `{"type":"one-shot","text":"never","at":"`+at+`"}`)
	waitFor(t, time.Second, func() bool { return len(h.sched.Status().OneShots) == 1 })

	if err := os.Remove(filepath.Join(h.dir, "cancel.json")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		st := h.sched.Status()
		return len(st.OneShots) == 0 && len(st.Known) == 0
	})
	time.Sleep(500 * time.Millisecond)
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("cancelled one-shot executed %d times", n)
	}
}

func TestParseErrorDeletesFile(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	h.write(t, "bad.json", `not json at all`)
	h.write(t, "missing.json", `{"type":"periodic","text":"no schedule","timezone":"UTC"}`)

	waitFor(t, 2*time.Second, func() bool {
		return !exists(filepath.Join(h.dir, "bad.json")) && !exists(filepath.Join(h.dir, "missing.json"))
	})
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("invalid events executed %d times", n)
	}
}

func TestNonEventFilesIgnored(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	h.write(t, "notes.txt", `{"type":"immediate","text":"not an event"}`)
	time.Sleep(150 * time.Millisecond)
	if !exists(filepath.Join(h.dir, "notes.txt")) {
		t.Error("non-event file was touched")
	}
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("non-event file executed %d times", n)
	}
}

func TestSaturationDefersAndDrains(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	h := newHarness(t, rec, 1)
	h.start(t)

	h.write(t, "first.json", `{"type":"immediate","text":"one","session":"busy"}`)
	waitFor(t, time.Second, func() bool { return !exists(filepath.Join(h.dir, "first.json")) })

	h.write(t, "second.json", `{"type":"immediate","text":"two","session":"busy"}`)
	waitFor(t, time.Second, func() bool { return slices.Contains(h.sched.Status().Deferred, "second.json") })
	if !exists(filepath.Join(h.dir, "second.json")) {
		t.Fatal("saturated event file must be kept")
	}

	close(rec.gate)
	waitFor(t, 3*time.Second, func() bool { return len(rec.snapshot()) == 2 })
	waitFor(t, time.Second, func() bool { return !exists(filepath.Join(h.dir, "second.json")) })

	calls := rec.snapshot()
	if !strings.HasSuffix(calls[0].message, "one") || !strings.HasSuffix(calls[1].message, "two") {
		t.Errorf("events ran out of order: %+v", calls)
	}
	if d := h.sched.Status().Deferred; len(d) != 0 {
		t.Errorf("expected no deferred events, got %v", d)
	}
}

func TestPeriodicEvent(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	h.write(t, "tick.json", `{"type":"periodic","text":"digest","schedule":"@every 1s","timezone":"UTC"}`)

	waitFor(t, time.Second, func() bool { return len(h.sched.Status().Periodic) == 1 })
	st := h.sched.Status()
	if st.Periodic[0].Next.IsZero() {
		t.Error("expected a next run time")
	}

	waitFor(t, 3*time.Second, func() bool { return len(h.rec.snapshot()) >= 1 })
	if msg := h.rec.snapshot()[0].message; msg != "[EVENT:tick.json:periodic:@every 1s] digest" {
		t.Errorf("message = %q", msg)
	}
	if !exists(filepath.Join(h.dir, "tick.json")) {
		t.Error("periodic event file must survive firings")
	}

	if err := os.Remove(filepath.Join(h.dir, "tick.json")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(h.sched.Status().Periodic) == 0 })
}

func TestInvalidPeriodicDeleted(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	h.write(t, "tz.json", `{"type":"periodic","text":"x","schedule":"0 9 * * *","timezone":"Nowhere/Special"}`)
	h.write(t, "expr.json", `{"type":"periodic","text":"x","schedule":"every day at nine","timezone":"UTC"}`)

	waitFor(t, 2*time.Second, func() bool {
		return !exists(filepath.Join(h.dir, "tz.json")) && !exists(filepath.Join(h.dir, "expr.json"))
	})
	if n := len(h.sched.Status().Periodic); n != 0 {
		t.Errorf("invalid periodic events registered: %d", n)
	}
}

func TestWriteFileIsPickedUp(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	name, err := events.WriteFile(h.dir, events.Event{Type: events.TypeImmediate, Text: "from the tool", Session: "tool"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(h.rec.snapshot()) == 1 })
	if msg := h.rec.snapshot()[0].message; !strings.HasPrefix(msg, "[EVENT:"+name+":immediate:immediate]") {
		t.Errorf("message = %q", msg)
	}
}

func TestStopClosesRunners(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.write(t, "x.json", `{"type":"immediate","text":"x","session":"s"}`)
	waitFor(t, 2*time.Second, func() bool { return len(h.rec.snapshot()) == 1 })

	if err := h.sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.pool.Len() != 0 {
		t.Errorf("pool still holds %d runners", h.pool.Len())
	}
	if h.sched.Status().Running {
		t.Error("scheduler still reports running")
	}
	if err := h.sched.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStaleImmediateCutoff(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	start := time.Now()
	h.sched.cfg.Now = func() time.Time { return start }

	h.write(t, "before.json", `{"type":"immediate","text":"written before start"}`)
	h.write(t, "at-start.json", `{"type":"immediate","text":"written at start"}`)
	before := start.Add(-200 * time.Millisecond)
	if err := os.Chtimes(filepath.Join(h.dir, "before.json"), before, before); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(h.dir, "at-start.json"), start, start); err != nil {
		t.Fatal(err)
	}
	h.start(t)

	waitFor(t, 2*time.Second, func() bool { return len(h.rec.snapshot()) == 1 })
	if msg := h.rec.snapshot()[0].message; !strings.HasSuffix(msg, "written at start") {
		t.Errorf("unexpected execution %q", msg)
	}
	if exists(filepath.Join(h.dir, "before.json")) {
		t.Error("event written before start should be deleted")
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(h.rec.snapshot()); n != 1 {
		t.Errorf("expected 1 execution, got %d", n)
	}
}

func TestOverlappingChangesDispatchOnce(t *testing.T) {
	rec := &recorder{slowStart: 300 * time.Millisecond}
	h := newHarness(t, rec, 0)
	h.start(t)

	h.write(t, "x.json", `{"type":"immediate","text":"exactly once"}`)
	go h.sched.handleFileChange("x.json")
	time.Sleep(100 * time.Millisecond)
	h.sched.handleFileChange("x.json")

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) >= 1 })
	waitFor(t, time.Second, func() bool { return !exists(filepath.Join(h.dir, "x.json")) })
	time.Sleep(400 * time.Millisecond)
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("immediate event executed %d times, want 1", n)
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.sched.cfg.Debounce = 150 * time.Millisecond
	h.start(t)

	for i := 0; i < 5; i++ {
		h.write(t, "burst.json", `{"type":"periodic","text":"digest","schedule":"0 9 * * *","timezone":"UTC"}`)
	}
	waitFor(t, time.Second, func() bool { return len(h.sched.Status().Periodic) == 1 })
	time.Sleep(300 * time.Millisecond)

	h.sched.mu.Lock()
	handled := h.sched.gens["burst.json"]
	h.sched.mu.Unlock()
	if handled != 1 {
		t.Errorf("burst of writes handled %d times, want 1", handled)
	}
}

func TestReadRetry(t *testing.T) {
	errBusy := errors.New("resource temporarily unavailable")
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantParse bool
	}{
		{name: "transient failure recovers", failures: 2, err: errBusy, wantCalls: 3},
		{name: "persistent failure becomes parse error", failures: 10, err: errBusy, wantCalls: 3, wantParse: true},
		{name: "parse error is not retried", failures: 10, err: &events.ParseError{Filename: "f.json", Msg: "invalid JSON in event file"}, wantCalls: 1, wantParse: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Config{EventsDir: t.TempDir(), ReadBackoff: 20 * time.Millisecond})
			s.ctx = context.Background()
			calls := 0
			s.readEvent = func(string) (events.Event, error) {
				calls++
				if calls <= tc.failures {
					return events.Event{}, tc.err
				}
				return events.Event{Type: events.TypeImmediate, Text: "ok"}, nil
			}

			start := time.Now()
			ev, err := s.readWithRetry("f.json")
			elapsed := time.Since(start)

			if calls != tc.wantCalls {
				t.Errorf("read %d times, want %d", calls, tc.wantCalls)
			}
			var perr *events.ParseError
			if got := errors.As(err, &perr); got != tc.wantParse {
				t.Fatalf("error = %v, want parse error %v", err, tc.wantParse)
			}
			if !tc.wantParse && ev.Text != "ok" {
				t.Errorf("unexpected event %+v", ev)
			}
			// Backoff doubles: 20ms then 40ms before the third attempt.
			if tc.wantCalls == 3 && elapsed < 60*time.Millisecond {
				t.Errorf("retries took %v, want at least 60ms of backoff", elapsed)
			}
		})
	}
}

func TestUnreadableFileDeleted(t *testing.T) {
	h := newHarness(t, &recorder{}, 0)
	h.start(t)

	// A directory passes Stat but every read fails.
	if err := os.Mkdir(filepath.Join(h.dir, "stuck.json"), 0o755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return !exists(filepath.Join(h.dir, "stuck.json")) })
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("unreadable event executed %d times", n)
	}
}

func TestPoolExhaustedDefersAndDrains(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	h := newHarnessWithPool(t, rec, runner.PoolConfig{MaxRunners: 1})
	h.start(t)

	h.write(t, "first.json", `{"type":"immediate","text":"one","session":"a"}`)
	waitFor(t, time.Second, func() bool { return !exists(filepath.Join(h.dir, "first.json")) })

	h.write(t, "second.json", `{"type":"immediate","text":"two","session":"b"}`)
	waitFor(t, time.Second, func() bool { return slices.Contains(h.sched.Status().Deferred, "second.json") })
	if !exists(filepath.Join(h.dir, "second.json")) {
		t.Fatal("event for an exhausted pool must be kept")
	}
	if h.pool.Len() != 1 {
		t.Errorf("pool grew past its cap: %d runners", h.pool.Len())
	}

	close(rec.gate)
	waitFor(t, 3*time.Second, func() bool { return len(rec.snapshot()) == 2 })
	waitFor(t, time.Second, func() bool { return !exists(filepath.Join(h.dir, "second.json")) })
	if got := rec.snapshot()[1]; got.session != "b" || !strings.HasSuffix(got.message, "two") {
		t.Errorf("unexpected deferred execution %+v", got)
	}
}

func TestPeriodicSaturationDeferred(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	h := newHarness(t, rec, 1)
	h.start(t)

	h.write(t, "first.json", `{"type":"immediate","text":"hold the queue","session":"s"}`)
	waitFor(t, time.Second, func() bool { return !exists(filepath.Join(h.dir, "first.json")) })

	h.write(t, "tick.json", `{"type":"periodic","text":"digest","schedule":"@every 1s","timezone":"UTC","session":"s"}`)
	waitFor(t, 3*time.Second, func() bool { return slices.Contains(h.sched.Status().Deferred, "tick.json") })

	close(rec.gate)
	waitFor(t, 3*time.Second, func() bool {
		for _, c := range rec.snapshot() {
			if strings.HasPrefix(c.message, "[EVENT:tick.json:periodic:") {
				return true
			}
		}
		return false
	})
	if !exists(filepath.Join(h.dir, "tick.json")) {
		t.Error("periodic event file must survive a deferred firing")
	}
}
