// Package genailive implements the s2s.Provider interface on top of the
// official Google Gen AI SDK's Live client.
//
// It speaks the same BidiGenerateContent protocol as package gemini but lets
// the SDK own the wire format, authentication and backend selection.
package genailive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/postvoz/pkg/audio"
	"github.com/MrWong99/postvoz/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	eventBuffer  = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider using [genai.Client].
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Provider authenticating with apiKey against the Gemini API
// backend.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live models.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:    16000,
		OutputSampleRate:   24000,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

// Connect creates an SDK client and opens a Live session.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}

	live, err := client.Live.Connect(ctx, p.model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	return newSession(live), nil
}

// connectConfig maps a session config onto the SDK's connect options.
func connectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// translate maps one SDK server message onto session events, in the same
// order the raw protocol implementation uses.
func translate(msg *genai.LiveServerMessage) []s2s.Event {
	if msg == nil {
		return nil
	}
	var out []s2s.Event
	if msg.SetupComplete != nil {
		out = append(out, s2s.Event{Type: s2s.EventOpen})
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, s2s.Event{Type: s2s.EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, s2s.Event{Type: s2s.EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out = append(out, s2s.Event{
				Type:  s2s.EventAudio,
				Audio: base64.StdEncoding.EncodeToString(part.InlineData.Data),
			})
		}
	}
	if sc.Interrupted {
		out = append(out, s2s.Event{Type: s2s.EventInterrupted})
	}
	if sc.TurnComplete {
		out = append(out, s2s.Event{Type: s2s.EventTurnComplete})
	}
	return out
}

// ── session ────────────────────────────────────────────────────────────────────

// liveConn is the part of [genai.Session] a session uses.
type liveConn interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(genai.LiveRealtimeInput) error
	Close() error
}

var _ liveConn = (*genai.Session)(nil)

type session struct {
	live   liveConn
	events chan s2s.Event

	sendMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}
}

func newSession(conn liveConn) *session {
	s := &session{
		live:   conn,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s
}

// receiveLoop owns the events channel.
func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.setErr(fmt.Errorf("genailive: receive: %w", err))
			}
			return
		}
		for _, ev := range translate(msg) {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

var errSessionClosed = errors.New("genailive: session closed")

// SendAudio decodes the frame payload and sends it as realtime audio input.
func (s *session) SendAudio(frame audio.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.mu.Unlock()

	pcm, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return fmt.Errorf("genailive: decode frame %d: %w", frame.Seq, err)
	}
	rate := frame.SampleRate
	if rate == 0 {
		rate = audio.CaptureFormat.SampleRate
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate), Data: pcm},
	}); err != nil {
		return fmt.Errorf("genailive: send: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that ended the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the Live session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if err := s.live.Close(); err != nil {
		return fmt.Errorf("genailive: close: %w", err)
	}
	return nil
}
