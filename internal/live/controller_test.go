package live_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/postvoz/internal/live"
	"github.com/MrWong99/postvoz/internal/transcript"
	"github.com/MrWong99/postvoz/pkg/archive"
	"github.com/MrWong99/postvoz/pkg/audio"
	"github.com/MrWong99/postvoz/pkg/provider/s2s"
	s2smock "github.com/MrWong99/postvoz/pkg/provider/s2s/mock"
)

func newController(t *testing.T, r *rig, opts ...live.ControllerOption) *live.Controller {
	t.Helper()
	seq := 0
	var mu sync.Mutex
	base := []live.ControllerOption{
		live.WithLogger(quietLogger()),
		live.WithMetrics(testMetrics(t)),
		live.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return "sess-" + string(rune('0'+seq))
		}),
	}
	c := live.NewController(func() (live.Plan, error) { return r.plan(), nil }, r.devices(), append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func waitControllerState(t *testing.T, c *live.Controller, want live.State) {
	t.Helper()
	eventually(t, "controller state "+want.String(), func() bool { return c.State() == want })
}

func lineTexts(lines []transcript.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l.Role) + ":" + l.Text
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ── StartSession ──────────────────────────────────────────────────────────────

func TestController_Conversation(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := newController(t, r)
	ctx := context.Background()

	if err := c.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	eventually(t, "connect", func() bool { return r.provider.ConnectCallCount() == 1 })
	r.remote.Push(s2s.Event{Type: s2s.EventOpen})
	waitControllerState(t, c, live.StateOpen)

	r.remote.Push(s2s.Event{Type: s2s.EventInputTranscript, Text: "Hola, "})
	r.remote.Push(s2s.Event{Type: s2s.EventInputTranscript, Text: "¿cómo estás?"})
	r.remote.Push(s2s.Event{Type: s2s.EventAudio, Audio: audio.EncodeBlock(make([]float32, 2400))})
	r.remote.Push(s2s.Event{Type: s2s.EventOutputTranscript, Text: "Muy "})
	r.remote.Push(s2s.Event{Type: s2s.EventOutputTranscript, Text: "bien."})
	eventually(t, "model line", func() bool {
		lines := c.Lines()
		return len(lines) == 4 && lines[3].Text == "Muy bien."
	})

	if err := c.StopSession(ctx); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	want := []string{
		"info:Connecting...",
		"info:Connection open. Start talking!",
		"user:Hola, ¿cómo estás?",
		"model:Muy bien.",
		"info:Connection closed.",
	}
	if got := lineTexts(c.Lines()); !equalStrings(got, want) {
		t.Errorf("lines =\n%v\nwant\n%v", got, want)
	}
	if c.State() != live.StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
	if !r.mic.Closed() || !r.speaker.Closed() || r.remote.Closed() != 1 {
		t.Error("resources should be released")
	}
	if calls := r.speaker.Calls(); len(calls) != 1 || calls[0].At != 0 {
		t.Errorf("scheduled = %+v", calls)
	}
}

func TestController_StartIsGuarded(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := newController(t, r)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.StartSession(ctx); err != nil {
				t.Errorf("StartSession: %v", err)
			}
		}()
	}
	wg.Wait()

	eventually(t, "connect", func() bool { return r.provider.ConnectCallCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := r.provider.ConnectCallCount(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
	if n := r.micOpen.CallCountOpen; n != 1 {
		t.Errorf("capture opened %d times, want 1", n)
	}
}

func TestController_MissingCredential(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := live.NewController(func() (live.Plan, error) {
		p := r.plan()
		p.Credential = ""
		return p, nil
	}, r.devices(), live.WithLogger(quietLogger()), live.WithMetrics(testMetrics(t)))

	events, cancel := c.Subscribe()
	defer cancel()

	err := c.StartSession(context.Background())
	if !errors.Is(err, live.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}

	want := []string{"info:Failed to start: API key not found"}
	if got := lineTexts(c.Lines()); !equalStrings(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
	st := c.Status()
	if st.State != live.StateIdle || st.Error != "API key not found" {
		t.Errorf("status = %+v", st)
	}
	if r.micOpen.CallCountOpen != 0 || r.provider.ConnectCallCount() != 0 {
		t.Error("nothing should be acquired without a credential")
	}

	var sawIdle bool
	for !sawIdle {
		select {
		case ev := <-events:
			if ev.Kind == live.KindStatus && ev.State == "idle" {
				sawIdle = true
				if ev.Message != "API key not found" {
					t.Errorf("status message = %q", ev.Message)
				}
			}
		case <-time.After(waitTimeout):
			t.Fatal("timeout waiting for idle status event")
		}
	}
}

func TestController_PlanErrorIsConfigError(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := live.NewController(func() (live.Plan, error) {
		return live.Plan{}, errors.New(`unknown provider "foo"`)
	}, r.devices(), live.WithLogger(quietLogger()), live.WithMetrics(testMetrics(t)))

	err := c.StartSession(context.Background())
	var ce *live.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if got := lineTexts(c.Lines()); len(got) != 1 || got[0] != `info:Failed to start: unknown provider "foo"` {
		t.Errorf("lines = %v", got)
	}
}

func TestController_DeviceError(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.micOpen.OpenErr = errors.New("permission denied")
	c := newController(t, r)

	err := c.StartSession(context.Background())
	var de *live.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeviceError", err)
	}
	if c.State() != live.StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
	if got := lineTexts(c.Lines()); len(got) != 1 || got[0] != "info:Failed to start: permission denied" {
		t.Errorf("lines = %v", got)
	}

	// The device comes back and a retry succeeds.
	r.micOpen.OpenErr = nil
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitControllerState(t, c, live.StateConnecting)
}

// ── StopSession ───────────────────────────────────────────────────────────────

func TestController_StopWithoutSession(t *testing.T) {
	t.Parallel()
	c := newController(t, newRig())
	if err := c.StopSession(context.Background()); err != nil {
		t.Errorf("StopSession: %v", err)
	}
	if c.State() != live.StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := newController(t, r)
	ctx := context.Background()

	if err := c.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.remote.Push(s2s.Event{Type: s2s.EventOpen})
	waitControllerState(t, c, live.StateOpen)

	for range 3 {
		if err := c.StopSession(ctx); err != nil {
			t.Fatalf("StopSession: %v", err)
		}
	}
	if r.remote.Closed() != 1 {
		t.Errorf("remote closed %d times, want 1", r.remote.Closed())
	}
	closed := 0
	for _, l := range c.Lines() {
		if l.Text == "Connection closed." {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("closed line appears %d times, want 1", closed)
	}
}

func TestController_StopWhileOpeningDevices(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.micOpen.Block = make(chan struct{})
	c := newController(t, r)
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- c.StartSession(ctx) }()
	eventually(t, "capture opening", func() bool { return r.micOpen.OpenCallCount() == 1 })

	if err := c.StopSession(ctx); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	close(r.micOpen.Block)

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("StartSession = %v, want nil after a user stop", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("StartSession did not return")
	}

	if c.State() != live.StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
	if st := c.Status(); st.Error != "" {
		t.Errorf("status error = %q, want none", st.Error)
	}
	want := []string{"info:Connecting...", "info:Connection closed."}
	if got := lineTexts(c.Lines()); !equalStrings(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
	if !r.mic.Closed() || !r.speaker.Closed() {
		t.Error("devices opened during start should be released")
	}
	if r.provider.ConnectCallCount() != 0 {
		t.Error("stopped start should not connect")
	}
}

func TestController_TerminalLinesPrecedeStatus(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := newController(t, r)
	events, cancel := c.Subscribe()
	defer cancel()

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	eventually(t, "connect", func() bool { return r.provider.ConnectCallCount() == 1 })
	r.remote.Push(s2s.Event{Type: s2s.EventOpen})
	r.remote.Push(s2s.Event{Type: s2s.EventError, Err: errors.New("quota exceeded")})

	var seen []string
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == live.KindTranscript {
				seen = append(seen, ev.Line.Text)
				continue
			}
			if ev.Kind != live.KindStatus || ev.State != "failed" {
				continue
			}
			if ev.Message != "quota exceeded" {
				t.Errorf("status message = %q", ev.Message)
			}
			n := len(seen)
			if n < 2 || seen[n-2] != "Error: quota exceeded" || seen[n-1] != "Connection closed." {
				t.Errorf("lines before failed status = %v", seen)
			}
			return
		case <-deadline:
			t.Fatalf("timeout, lines %v", seen)
		}
	}
}

func TestController_RemoteErrorShowsMessage(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := newController(t, r)

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.remote.Push(s2s.Event{Type: s2s.EventOpen})
	r.remote.Push(s2s.Event{Type: s2s.EventError, Err: errors.New("quota exceeded")})
	waitControllerState(t, c, live.StateFailed)
	eventually(t, "closed line", func() bool {
		lines := c.Lines()
		return len(lines) > 0 && lines[len(lines)-1].Text == "Connection closed."
	})

	got := lineTexts(c.Lines())
	want := []string{
		"info:Connecting...",
		"info:Connection open. Start talking!",
		"info:Error: quota exceeded",
		"info:Connection closed.",
	}
	if !equalStrings(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
	if st := c.Status(); st.Error != "quota exceeded" {
		t.Errorf("status error = %q", st.Error)
	}
}

func TestController_RestartAfterClose(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := newController(t, r)
	ctx := context.Background()

	if err := c.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.remote.Push(s2s.Event{Type: s2s.EventOpen})
	waitControllerState(t, c, live.StateOpen)
	if err := c.StopSession(ctx); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	first := c.Status().SessionID

	second := s2smock.NewSession()
	r.provider.Session = second
	if err := c.StartSession(ctx); err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if got := c.Status().SessionID; got == first || got == "" {
		t.Errorf("session id = %q, first was %q", got, first)
	}
	if got := lineTexts(c.Lines()); !equalStrings(got, []string{"info:Connecting..."}) {
		t.Errorf("lines after restart = %v", got)
	}
	second.Push(s2s.Event{Type: s2s.EventOpen})
	waitControllerState(t, c, live.StateOpen)
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestController_SubscribeReceivesEvents(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := newController(t, r)

	events, cancel := c.Subscribe()
	defer cancel()
	if c.Subscribers() != 1 {
		t.Errorf("Subscribers = %d, want 1", c.Subscribers())
	}

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.remote.Push(s2s.Event{Type: s2s.EventOpen})
	r.remote.Push(s2s.Event{Type: s2s.EventOutputTranscript, Text: "Hola"})
	r.remote.Push(s2s.Event{Type: s2s.EventOutputTranscript, Text: " mundo"})
	r.remote.Push(s2s.Event{Type: s2s.EventAudio, Audio: "%%%"})

	var (
		states  []string
		created []bool
		notices int
	)
	deadline := time.After(waitTimeout)
	for notices == 0 || len(created) < 2 {
		select {
		case ev := <-events:
			switch ev.Kind {
			case live.KindStatus:
				states = append(states, ev.State)
			case live.KindTranscript:
				if ev.Line.Role == transcript.RoleModel {
					created = append(created, ev.Created)
					if len(created) == 2 && ev.Line.Text != "Hola mundo" {
						t.Errorf("merged line = %q", ev.Line.Text)
					}
				}
			case live.KindNotice:
				notices++
			}
		case <-deadline:
			t.Fatalf("timeout: states %v created %v notices %d", states, created, notices)
		}
	}

	if len(states) < 2 || states[0] != "connecting" || states[1] != "open" {
		t.Errorf("states = %v", states)
	}
	if !created[0] || created[1] {
		t.Errorf("created flags = %v, want [true false]", created)
	}

	cancel()
	cancel()
	if c.Subscribers() != 0 {
		t.Errorf("Subscribers after cancel = %d", c.Subscribers())
	}
}

func TestController_CloseEndsSubscriptions(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := live.NewController(func() (live.Plan, error) { return r.plan(), nil }, r.devices(),
		live.WithLogger(quietLogger()), live.WithMetrics(testMetrics(t)))
	events, _ := c.Subscribe()

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-events:
		if ok {
			// Drain anything queued before Close.
			for range events {
			}
		}
	case <-time.After(waitTimeout):
		t.Fatal("subscription not closed")
	}
	if err := c.StartSession(context.Background()); err == nil {
		t.Error("StartSession after Close should fail")
	}
}

// ── Archive ───────────────────────────────────────────────────────────────────

func TestController_ArchivesFinishedSession(t *testing.T) {
	t.Parallel()
	r := newRig()
	store := archive.NewMemStore()
	c := newController(t, r, live.WithArchive(store))
	ctx := context.Background()

	if err := c.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	id := c.Status().SessionID
	r.remote.Push(s2s.Event{Type: s2s.EventOpen})
	r.remote.Push(s2s.Event{Type: s2s.EventOutputTranscript, Text: "Adiós"})
	eventually(t, "transcript", func() bool { return len(c.Lines()) == 3 })
	if err := c.StopSession(ctx); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	var rec archive.Record
	eventually(t, "archived", func() bool {
		var err error
		rec, err = store.Get(ctx, id)
		return err == nil
	})
	if rec.Provider != "mock" || rec.EndState != "closed" || rec.Error != "" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Lines) != 4 || rec.Lines[2].Role != "model" || rec.Lines[2].Text != "Adiós" {
		t.Errorf("lines = %+v", rec.Lines)
	}
	if rec.Duration() < 0 {
		t.Errorf("duration = %v", rec.Duration())
	}
}
