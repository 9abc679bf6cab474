// Package live runs one realtime spoken conversation with a remote
// speech-to-speech endpoint.
//
// A [Session] owns every resource of a conversation: the capture pipeline,
// the output context and its playback scheduler, and the provider session
// handle. It walks the state machine
//
//	Idle → Connecting → Open → Closing → Closed
//
// and falls into Failed when the transport reports an error. Stop, a remote
// hang-up and a transport failure all converge on the same release sequence,
// which runs exactly once.
//
// The [Controller] is the boundary towards UI surfaces: it guards against
// double starts, assembles the transcript and fans display [Event] values
// out to subscribers.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/postvoz/internal/observe"
	"github.com/MrWong99/postvoz/internal/transcript"
	"github.com/MrWong99/postvoz/pkg/audio"
	"github.com/MrWong99/postvoz/pkg/audio/capture"
	"github.com/MrWong99/postvoz/pkg/audio/playback"
	"github.com/MrWong99/postvoz/pkg/provider/s2s"
)

// Plan is everything needed to start one session. It is resolved from the
// current configuration at each start.
type Plan struct {
	// ProviderName labels logs and metrics, e.g. "gemini-live".
	ProviderName string
	Provider     s2s.Provider

	// Credential is the API key the provider was built with. An empty
	// credential fails the start with a [ConfigError].
	Credential string

	Session s2s.SessionConfig

	// Capture is the microphone format. Zero means [audio.CaptureFormat].
	Capture    audio.Format
	BlockSize  int
	QueueDepth int

	// PlaybackRate is the sample rate of inbound audio chunks. Zero means
	// the provider's advertised output rate.
	PlaybackRate int
}

// Devices opens the audio hardware for a session.
type Devices struct {
	Capture audio.CaptureOpener
	Output  audio.OutputOpener
}

// Observer receives session notifications. Calls for one session never
// overlap for the same kind of notification, but different kinds may arrive
// from different goroutines.
type Observer interface {
	// StateChanged is called after every transition. err is set when the
	// new state is [StateFailed].
	StateChanged(st State, err error)

	// Transcript is called for every non-empty transcription delta, in
	// arrival order.
	Transcript(role transcript.Role, delta string)

	// Notice reports a non-fatal problem.
	Notice(msg string)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the base logger. Defaults to [slog.Default].
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithSessionMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithSessionMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Session is one live conversation. All methods are safe for concurrent use.
type Session struct {
	id      string
	plan    Plan
	devices Devices
	obs     Observer
	log     *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	state     State
	err       error
	startedAt time.Time
	endedAt   time.Time
	pipe      *capture.Pipeline
	out       audio.OutputContext
	sched     *playback.Scheduler
	handle    s2s.SessionHandle
	cancel    context.CancelFunc

	releaseOnce  sync.Once
	terminal     chan struct{}
	terminalOnce sync.Once
	done         chan struct{}
	senders      sync.WaitGroup
}

// NewSession creates an idle session. Nothing is acquired until Start.
func NewSession(id string, plan Plan, devices Devices, obs Observer, opts ...SessionOption) *Session {
	s := &Session{
		id:       id,
		plan:     plan,
		devices:  devices,
		obs:      obs,
		log:      slog.Default(),
		terminal: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("session_id", id, "provider", plan.ProviderName)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to [StateFailed], if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StartedAt returns when Start succeeded. Zero before that.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// EndedAt returns when the session reached a terminal state.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Done is closed once the session is terminal and its goroutines have
// exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start validates the plan, acquires the capture and output devices and
// begins connecting in the background. Configuration and device problems
// are returned synchronously as [ConfigError] or [DeviceError] and leave
// nothing running; transport problems are reported through the Observer.
func (s *Session) Start(ctx context.Context) error {
	if st := s.State(); st != StateIdle {
		return fmt.Errorf("live: start: session is %s", st)
	}
	if s.plan.Credential == "" {
		return &ConfigError{Err: ErrMissingCredential}
	}
	if s.plan.Provider == nil {
		return &ConfigError{Err: errors.New("no speech provider configured")}
	}
	if s.devices.Capture == nil || s.devices.Output == nil {
		return &ConfigError{Err: errors.New("no audio devices configured")}
	}

	capFormat := s.plan.Capture
	if capFormat.SampleRate == 0 {
		capFormat = audio.CaptureFormat
	}
	pipe := capture.New(s.devices.Capture,
		capture.WithFormat(capFormat),
		capture.WithBlockSize(s.plan.BlockSize),
		capture.WithQueueDepth(s.plan.QueueDepth),
		capture.WithOnDrop(s.onFrameDropped),
	)
	if err := pipe.Open(); err != nil {
		return &DeviceError{Device: "capture", Err: err}
	}

	rate := s.plan.PlaybackRate
	if rate == 0 {
		rate = s.plan.Provider.Capabilities().OutputSampleRate
	}
	if rate == 0 {
		rate = audio.PlaybackFormat.SampleRate
	}
	out, err := s.devices.Output.OpenOutput(audio.Format{SampleRate: rate, Channels: 1})
	if err != nil {
		_ = pipe.Stop()
		return &DeviceError{Device: "playback", Err: err}
	}
	sched := playback.NewScheduler(out,
		playback.WithSampleRate(rate),
		playback.WithLogger(s.log),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.state != StateIdle {
		// Stopped while the devices were opening.
		s.mu.Unlock()
		cancel()
		_ = pipe.Stop()
		_ = out.Close()
		return ErrStoppedDuringStart
	}
	s.pipe, s.out, s.sched, s.cancel = pipe, out, sched, cancel
	s.state = StateConnecting
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("live: session connecting", "capture", capFormat.String(), "playback_rate", rate)
	s.obs.StateChanged(StateConnecting, nil)

	go s.run(runCtx)
	return nil
}

// Stop drives the session to [StateClosed] and releases all resources. It
// is a no-op on a session that is already closing, closed or failed, and is
// safe to call from any goroutine, including Observer callbacks.
func (s *Session) Stop() {
	s.shutdown(StateClosed, nil)
}

func (s *Session) fail(err error) {
	s.metrics.RecordTransportError(context.Background(), s.plan.ProviderName)
	s.shutdown(StateFailed, err)
}

// shutdown performs the single release sequence for every termination path.
func (s *Session) shutdown(final State, cause error) {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosing || prev.Terminal() {
		s.mu.Unlock()
		return
	}
	if prev == StateIdle {
		s.state = StateClosed
		s.endedAt = time.Now()
		s.mu.Unlock()
		s.markTerminal()
		close(s.done)
		return
	}
	if final == StateFailed {
		s.state = StateFailed
		s.err = cause
	} else {
		s.state = StateClosing
	}
	s.mu.Unlock()

	if final == StateClosed {
		s.obs.StateChanged(StateClosing, nil)
	}

	s.release()

	s.mu.Lock()
	s.state = final
	s.endedAt = time.Now()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(context.Background(), -1)
	if final == StateFailed {
		s.log.Warn("live: session failed", "err", cause)
	} else {
		s.log.Info("live: session closed")
	}
	s.obs.StateChanged(final, cause)
	s.markTerminal()
}

func (s *Session) markTerminal() {
	s.terminalOnce.Do(func() { close(s.terminal) })
}

// release stops sending, frees the microphone, silences the output and
// closes the remote session, in that order.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		cancel, pipe, out, sched, handle := s.cancel, s.pipe, s.out, s.sched, s.handle
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if pipe != nil {
			if err := pipe.Stop(); err != nil {
				s.log.Warn("live: release capture", "err", err)
			}
		}
		if sched != nil {
			sched.Reset()
		}
		if out != nil {
			if err := out.Close(); err != nil {
				s.log.Warn("live: release output", "err", err)
			}
		}
		if handle != nil {
			if err := handle.Close(); err != nil {
				s.log.Warn("live: release transport", "err", err)
			}
			go audio.Drain(handle.Events())
		}
	})
}

// attach stores the connected handle unless the session was stopped while
// connecting.
func (s *Session) attach(h s2s.SessionHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.handle = h
	return true
}

// ── run loop ──────────────────────────────────────────────────────────────────

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.senders.Wait()
		<-s.terminal
		close(s.done)
	}()

	connectStart := time.Now()
	cctx, span := observe.StartSpan(ctx, "live.connect",
		trace.WithAttributes(
			attribute.String("session_id", s.id),
			attribute.String("provider", s.plan.ProviderName),
		),
	)
	spanOpen := true
	endSpan := func(err error) {
		if !spanOpen {
			return
		}
		spanOpen = false
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	defer endSpan(nil)

	log := observe.LoggerFrom(cctx, s.log)

	handle, err := s.plan.Provider.Connect(cctx, s.plan.Session)
	if err != nil {
		if ctx.Err() != nil {
			// Stop cancelled the dial.
			return
		}
		endSpan(err)
		log.Warn("live: connect failed", "err", err)
		s.fail(&TransportError{Provider: s.plan.ProviderName, Err: err})
		return
	}
	if !s.attach(handle) {
		_ = handle.Close()
		go audio.Drain(handle.Events())
		return
	}

	events := handle.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.remoteClosed(handle, log)
				return
			}
			if ev.Type == s2s.EventOpen {
				if !s.open(ctx, handle, time.Since(connectStart), log) {
					return
				}
				endSpan(nil)
				continue
			}
			if !s.dispatch(ctx, ev, log) {
				return
			}
		}
	}
}

// open moves Connecting → Open and only then starts feeding captured audio
// to the transport.
func (s *Session) open(ctx context.Context, handle s2s.SessionHandle, elapsed time.Duration, log *slog.Logger) bool {
	s.mu.Lock()
	if s.state != StateConnecting {
		st := s.state
		s.mu.Unlock()
		return st == StateOpen
	}
	s.state = StateOpen
	pipe := s.pipe
	s.mu.Unlock()

	s.metrics.ConnectDuration.Record(ctx, elapsed.Seconds())
	log.Info("live: session open", "connect_ms", elapsed.Milliseconds())
	s.obs.StateChanged(StateOpen, nil)

	if err := pipe.Start(); err != nil {
		if errors.Is(err, capture.ErrStopped) {
			return false
		}
		log.Error("live: start capture", "err", err)
		// A device that vanished between open and start is still a
		// failure of the running session.
		s.shutdown(StateFailed, &DeviceError{Device: "capture", Err: err})
		return false
	}

	s.senders.Add(1)
	go s.sendLoop(ctx, handle, pipe, log)
	return true
}

// dispatch handles one inbound event. It returns false when the session
// must stop reading.
func (s *Session) dispatch(ctx context.Context, ev s2s.Event, log *slog.Logger) bool {
	switch ev.Type {
	case s2s.EventAudio:
		s.playChunk(ctx, ev.Audio, log)

	case s2s.EventInputTranscript:
		s.metrics.RecordTranscriptDelta(ctx, string(transcript.RoleUser))
		s.obs.Transcript(transcript.RoleUser, ev.Text)

	case s2s.EventOutputTranscript:
		s.metrics.RecordTranscriptDelta(ctx, string(transcript.RoleModel))
		s.obs.Transcript(transcript.RoleModel, ev.Text)

	case s2s.EventInterrupted:
		log.Debug("live: model interrupted by user speech")

	case s2s.EventTurnComplete:
		log.Debug("live: turn complete")

	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("remote endpoint reported an error")
		}
		s.fail(&TransportError{Provider: s.plan.ProviderName, Err: err})
		return false
	}
	return true
}

func (s *Session) playChunk(ctx context.Context, chunk string, log *slog.Logger) {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()

	before := sched.Stats().Resyncs
	p, err := sched.Enqueue(chunk)
	switch {
	case err == nil:
		s.metrics.ChunksScheduled.Add(ctx, 1)
		if sched.Stats().Resyncs > before {
			s.metrics.Resyncs.Add(ctx, 1)
		}
		log.Debug("live: chunk scheduled", "id", p.ID, "start", p.Start, "duration", p.Duration)
	case errors.Is(err, playback.ErrDecode):
		s.metrics.DecodeErrors.Add(ctx, 1)
		s.obs.Notice("Dropped a malformed audio chunk.")
	case errors.Is(err, playback.ErrClosed):
		// Torn down while the event was in flight.
	default:
		log.Warn("live: schedule chunk", "err", err)
	}
}

// remoteClosed handles the end of the event stream.
func (s *Session) remoteClosed(handle s2s.SessionHandle, log *slog.Logger) {
	if err := handle.Err(); err != nil {
		log.Warn("live: connection dropped", "err", err)
		s.fail(&TransportError{Provider: s.plan.ProviderName, Err: err})
		return
	}
	log.Info("live: remote closed the session")
	s.shutdown(StateClosed, nil)
}

// sendLoop forwards captured frames in capture order until the queue is
// closed.
func (s *Session) sendLoop(ctx context.Context, handle s2s.SessionHandle, pipe *capture.Pipeline, log *slog.Logger) {
	defer s.senders.Done()
	for {
		f, err := pipe.Next(ctx)
		if err != nil {
			return
		}
		if err := handle.SendAudio(f); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("live: send audio", "seq", f.Seq, "err", err)
			s.fail(&TransportError{Provider: s.plan.ProviderName, Err: fmt.Errorf("send audio: %w", err)})
			return
		}
		s.metrics.FramesSent.Add(ctx, 1)
	}
}

func (s *Session) onFrameDropped(evicted audio.Frame) {
	s.metrics.FramesDropped.Add(context.Background(), 1)
	s.log.Debug("live: send queue full, dropped oldest frame", "seq", evicted.Seq)
}
