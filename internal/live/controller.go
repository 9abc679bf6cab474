package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/postvoz/internal/observe"
	"github.com/MrWong99/postvoz/internal/transcript"
	"github.com/MrWong99/postvoz/pkg/archive"
)

// Status lines shown in the transcript.
const (
	msgConnecting  = "Connecting..."
	msgOpen        = "Connection open. Start talking!"
	msgClosed      = "Connection closed."
	prefixError    = "Error: "
	prefixFailed   = "Failed to start: "
	defaultSubBuf  = 64
	archiveTimeout = 5 * time.Second
)

// PlanFunc resolves the plan for a new session from the current
// configuration. Returning an error fails the start with a [ConfigError].
type PlanFunc func() (Plan, error)

// Status is a snapshot of the controller.
type Status struct {
	SessionID string    `json:"session_id,omitempty"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithArchive stores every finished session in store.
func WithArchive(store archive.Store) ControllerOption {
	return func(c *Controller) { c.archive = store }
}

// WithIDGenerator overrides how session ids are generated. Defaults to
// random UUIDs.
func WithIDGenerator(fn func() string) ControllerOption {
	return func(c *Controller) { c.newID = fn }
}

// WithSubscriberBuffer sets the per-subscriber event buffer. Events for a
// subscriber whose buffer is full are dropped.
func WithSubscriberBuffer(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.subBuf = n
		}
	}
}

// Controller is the UI boundary: one live session at a time, a transcript
// and a stream of display events. All methods are safe for concurrent use.
type Controller struct {
	plan    PlanFunc
	devices Devices
	log     *slog.Logger
	metrics *observe.Metrics
	archive archive.Store
	newID   func() string
	subBuf  int

	lines *transcript.Assembler

	// startMu serialises StartSession so the active check and the
	// assignment of current are one step.
	startMu sync.Mutex

	mu      sync.Mutex
	current *Session
	lastErr string
	subs    map[uint64]chan Event
	nextSub uint64
	closed  bool

	wg sync.WaitGroup
}

// NewController returns a Controller that builds sessions from plan and
// devices.
func NewController(plan PlanFunc, devices Devices, opts ...ControllerOption) *Controller {
	c := &Controller{
		plan:    plan,
		devices: devices,
		log:     slog.Default(),
		newID:   func() string { return uuid.NewString() },
		subBuf:  defaultSubBuf,
		lines:   transcript.New(),
		subs:    make(map[uint64]chan Event),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// StartSession starts a new session. It is a no-op returning nil when a
// session is already connecting or open. A session still closing is waited
// for first.
//
// A stop that lands while the devices are opening ends the attempt as a
// closed session without an error.
//
// Configuration and device errors are returned synchronously; the
// transcript then holds a single "Failed to start" line. Transport errors
// arrive later as status events.
func (c *Controller) StartSession(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("live: controller closed")
	}
	prev := c.current
	c.mu.Unlock()

	if prev != nil {
		if prev.State().Active() {
			c.log.Debug("live: start ignored, session already active", "session_id", prev.ID())
			return nil
		}
		// Let the previous session finish its last status lines first.
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	id := c.newID()
	c.lines.Reset()
	c.info(id, msgConnecting)

	plan, err := c.plan()
	var (
		sess *Session
		obs  *sessionObserver
	)
	if err != nil {
		var ce *ConfigError
		if !errors.As(err, &ce) {
			err = &ConfigError{Err: err}
		}
	} else {
		obs = &sessionObserver{c: c, id: id}
		sess = NewSession(id, plan, c.devices, obs,
			WithSessionLogger(c.log),
			WithSessionMetrics(c.metrics),
		)
		c.mu.Lock()
		c.current = sess
		c.lastErr = ""
		c.mu.Unlock()
		err = sess.Start(ctx)
	}

	if errors.Is(err, ErrStoppedDuringStart) {
		c.metrics.RecordSessionStart(ctx, "stopped")
		c.log.Info("live: session stopped before connecting", "session_id", id)
		c.info(id, msgClosed)
		c.broadcast(Event{Kind: KindStatus, SessionID: id, State: StateClosed.String()})
		return nil
	}

	c.metrics.RecordSessionStart(ctx, resultLabel(err))
	if err != nil {
		msg := userMessage(err)
		c.mu.Lock()
		c.current = nil
		c.lastErr = msg
		c.mu.Unlock()

		c.log.Warn("live: failed to start session", "session_id", id, "err", err)
		c.lines.Reset()
		c.info(id, prefixFailed+msg)
		c.broadcast(Event{Kind: KindStatus, SessionID: id, State: StateIdle.String(), Message: msg})
		return err
	}

	c.wg.Add(1)
	go c.watch(sess, obs, plan.ProviderName)
	return nil
}

// StopSession stops the current session and waits until it has released
// its resources or ctx is done. It is idempotent and returns nil when no
// session is active.
func (c *Controller) StopSession(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil
	}

	cur.Stop()
	select {
	case <-cur.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the state of the current session, or [StateIdle] when none
// was started.
func (c *Controller) State() State {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return StateIdle
	}
	return cur.State()
}

// Status returns a snapshot of the current session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	cur, lastErr := c.current, c.lastErr
	c.mu.Unlock()
	if cur == nil {
		return Status{State: StateIdle, Error: lastErr}
	}
	st := Status{
		SessionID: cur.ID(),
		State:     cur.State(),
		StartedAt: cur.StartedAt(),
	}
	if err := cur.Err(); err != nil {
		st.Error = userMessage(err)
	}
	return st
}

// Lines returns a copy of the transcript.
func (c *Controller) Lines() []transcript.Line {
	return c.lines.Lines()
}

// Subscribe registers a display event subscriber. The returned cancel
// function unregisters it and closes the channel; it is safe to call more
// than once.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, c.subBuf)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (c *Controller) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close stops the current session, waits for it to be archived and closes
// all subscriber channels.
func (c *Controller) Close(ctx context.Context) error {
	err := c.StopSession(ctx)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
	}
	return err
}

// ── internals ─────────────────────────────────────────────────────────────────

func (c *Controller) info(sessionID, text string) {
	if u, ok := c.lines.Info(text); ok {
		c.emitLine(sessionID, u)
	}
}

func (c *Controller) emitLine(sessionID string, u transcript.Update) {
	line := u.Line
	c.broadcast(Event{Kind: KindTranscript, SessionID: sessionID, Line: &line, Created: u.Created})
}

// broadcast delivers ev to every subscriber without blocking.
func (c *Controller) broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Debug("live: subscriber too slow, dropping event", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// watch archives the session once it has finished.
func (c *Controller) watch(sess *Session, obs *sessionObserver, provider string) {
	defer c.wg.Done()
	<-sess.Done()

	if c.archive == nil {
		return
	}
	rec := archive.Record{
		SessionID: sess.ID(),
		Provider:  provider,
		StartedAt: sess.StartedAt(),
		EndedAt:   sess.EndedAt(),
		EndState:  sess.State().String(),
	}
	if err := sess.Err(); err != nil {
		rec.Error = userMessage(err)
	}
	for _, l := range obs.finalLines() {
		rec.Lines = append(rec.Lines, archive.Line{Role: string(l.Role), Text: l.Text})
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := c.archive.Save(ctx, rec); err != nil {
		c.log.Error("live: archive session", "session_id", rec.SessionID, "err", err)
		return
	}
	c.log.Debug("live: session archived", "session_id", rec.SessionID, "lines", len(rec.Lines))
}

// sessionObserver turns session notifications into transcript lines and
// display events.
type sessionObserver struct {
	c  *Controller
	id string

	mu    sync.Mutex
	final []transcript.Line
}

// finalLines returns the transcript as it was when the session ended.
func (o *sessionObserver) finalLines() []transcript.Line {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.final
}

var _ Observer = (*sessionObserver)(nil)

func (o *sessionObserver) StateChanged(st State, err error) {
	c := o.c
	ev := Event{Kind: KindStatus, SessionID: o.id, State: st.String()}
	if err != nil {
		ev.Message = userMessage(err)
	}

	// Terminal info lines precede the terminal status event.
	switch st {
	case StateOpen:
		c.broadcast(ev)
		c.info(o.id, msgOpen)
		return
	case StateFailed:
		c.info(o.id, prefixError+ev.Message)
		c.info(o.id, msgClosed)
	case StateClosed:
		c.info(o.id, msgClosed)
	}

	if st.Terminal() {
		o.mu.Lock()
		o.final = c.lines.Lines()
		o.mu.Unlock()
	}
	c.broadcast(ev)
}

func (o *sessionObserver) Transcript(role transcript.Role, delta string) {
	if u, ok := o.c.lines.Append(role, delta); ok {
		o.c.emitLine(o.id, u)
	}
}

func (o *sessionObserver) Notice(msg string) {
	o.c.broadcast(Event{Kind: KindNotice, SessionID: o.id, Message: msg})
}
