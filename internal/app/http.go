package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/postvoz/internal/health"
	"github.com/MrWong99/postvoz/internal/live"
	"github.com/MrWong99/postvoz/internal/observe"
	"github.com/MrWong99/postvoz/internal/transcript"
	"github.com/MrWong99/postvoz/pkg/archive"
)

// stopTimeout bounds how long a stop request waits for the session to
// release its devices.
const stopTimeout = 10 * time.Second

// Handler returns the HTTP surface:
//
//	POST /api/live/start       start a session (no-op while one is active)
//	POST /api/live/stop        stop the current session
//	GET  /api/live/state       controller status
//	GET  /api/live/transcript  transcript lines
//	GET  /api/live/events      websocket stream of display events
//	GET  /api/archive          finished sessions, newest first
//	GET  /api/archive/{id}     one finished session with its transcript
//	GET  /healthz, /readyz     probes
//	GET  /metrics              Prometheus scrape, when configured
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	var checkers []health.Checker
	if a.pinger != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.pinger})
	}
	checkers = append(checkers, health.Checker{Name: "credential", Check: a.checkCredential})
	health.New(checkers,
		health.WithDetail("session", func() string { return a.controller.State().String() }),
		health.WithDetail("provider", func() string { return a.cfg.Load().Providers.S2S.Name }),
		health.WithDetail("connect_breaker", func() string {
			return a.breakers.Get(a.cfg.Load().Providers.S2S.Name).State().String()
		}),
	).Register(mux)

	mux.HandleFunc("POST /api/live/start", a.handleStart)
	mux.HandleFunc("POST /api/live/stop", a.handleStop)
	mux.HandleFunc("GET /api/live/state", a.handleState)
	mux.HandleFunc("GET /api/live/transcript", a.handleTranscript)
	mux.HandleFunc("GET /api/live/events", a.handleEvents)
	mux.HandleFunc("GET /api/archive", a.handleArchiveList)
	mux.HandleFunc("GET /api/archive/{id}", a.handleArchiveGet)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkCredential(context.Context) error {
	if a.cfg.Load().Providers.S2S.Credential() == "" {
		return live.ErrMissingCredential
	}
	return nil
}

// ── Live session ────────────────────────────────────────────────────────────

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.StartSession(r.Context()); err != nil {
		writeJSON(w, startStatusCode(err), a.controller.Status())
		return
	}
	writeJSON(w, http.StatusAccepted, a.controller.Status())
}

// startStatusCode maps a start failure onto an HTTP status.
func startStatusCode(err error) int {
	var (
		ce *live.ConfigError
		de *live.DeviceError
	)
	switch {
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.As(err, &de):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := a.controller.StopSession(ctx); err != nil {
		writeError(w, http.StatusGatewayTimeout, "session did not stop in time")
		return
	}
	writeJSON(w, http.StatusOK, a.controller.Status())
}

func (a *App) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.controller.Status())
}

type transcriptResponse struct {
	Lines []transcript.Line `json:"lines"`
}

func (a *App) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, transcriptResponse{Lines: a.controller.Lines()})
}

// ── Event stream ────────────────────────────────────────────────────────────

// snapshot is the first message on an event stream.
type snapshot struct {
	Kind   string            `json:"kind"`
	Status live.Status       `json:"status"`
	Lines  []transcript.Line `json:"lines"`
}

// command is a client message on the event stream.
type command struct {
	Action string `json:"action"` // "start" or "stop"
}

// handleEvents streams display events over a websocket. Clients may send
// {"action":"start"} and {"action":"stop"}; a session started by a client
// is stopped when that client disconnects.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Debug("events: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := a.controller.Subscribe()
	defer unsubscribe()

	err = wsjson.Write(ctx, conn, snapshot{
		Kind:   "snapshot",
		Status: a.controller.Status(),
		Lines:  a.controller.Lines(),
	})
	if err != nil {
		return
	}

	cmds := make(chan command)
	go func() {
		defer cancel()
		for {
			var c command
			if err := wsjson.Read(ctx, conn, &c); err != nil {
				return
			}
			select {
			case cmds <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	var owned string
	defer func() {
		if owned == "" {
			return
		}
		if st := a.controller.Status(); st.SessionID == owned && st.State.Active() {
			a.log.Info("events: client gone, stopping its session", "session_id", owned)
			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			defer scancel()
			_ = a.controller.StopSession(sctx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		case c := <-cmds:
			switch c.Action {
			case "start":
				before := a.controller.Status().SessionID
				if err := a.controller.StartSession(ctx); err == nil {
					if id := a.controller.Status().SessionID; id != before {
						owned = id
					}
				}
			case "stop":
				sctx, scancel := context.WithTimeout(ctx, stopTimeout)
				_ = a.controller.StopSession(sctx)
				scancel()
				owned = ""
			default:
				err := wsjson.Write(ctx, conn, live.Event{
					Kind:    live.KindNotice,
					Time:    time.Now(),
					Message: "unknown action " + strconv.Quote(c.Action),
				})
				if err != nil {
					return
				}
			}
		}
	}
}

// ── Archive ─────────────────────────────────────────────────────────────────

const defaultArchiveLimit = 50

func (a *App) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	limit := defaultArchiveLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := a.archive.List(r.Context(), limit)
	if err != nil {
		a.log.Error("archive: list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	if records == nil {
		records = []archive.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *App) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	rec, err := a.archive.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.log.Error("archive: get failed", "err", err)
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ── helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
