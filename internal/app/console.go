package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/postvoz/internal/live"
	"github.com/MrWong99/postvoz/internal/transcript"
)

// consoleLabels prefixes each transcript role on the terminal.
var consoleLabels = map[transcript.Role]string{
	transcript.RoleUser:  "you",
	transcript.RoleModel: "model",
	transcript.RoleInfo:  "--",
}

// runConsole starts a session and prints its transcript until the user
// presses Enter (or types "q"), the session ends or ctx is done.
func (a *App) runConsole(ctx context.Context) error {
	events, unsubscribe := a.controller.Subscribe()
	defer unsubscribe()

	fmt.Fprintln(a.consoleOut, "Press Enter to end the conversation.")
	if err := a.controller.StartSession(ctx); err != nil {
		drainLines(events, a.consoleOut)
		return err
	}

	quit := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(a.consoleIn)
		for sc.Scan() {
			if s := strings.TrimSpace(sc.Text()); s == "" || s == "q" {
				break
			}
		}
		close(quit)
	}()

	p := &linePrinter{out: a.consoleOut}
	defer p.finish()
	for {
		select {
		case <-ctx.Done():
			return a.stopConsole(events, p)
		case <-quit:
			return a.stopConsole(events, p)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handle(ev)
			if ev.Kind == live.KindStatus && sessionEnded(ev.State) {
				return nil
			}
		}
	}
}

// stopConsole stops the session and prints the lines it emits on the way
// down.
func (a *App) stopConsole(events <-chan live.Event, p *linePrinter) error {
	sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := a.controller.StopSession(sctx)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return err
			}
			p.handle(ev)
		default:
			return err
		}
	}
}

func sessionEnded(state string) bool {
	switch state {
	case live.StateClosed.String(), live.StateFailed.String(), live.StateIdle.String():
		return true
	}
	return false
}

// drainLines prints whatever transcript events are already buffered.
func drainLines(events <-chan live.Event, out io.Writer) {
	p := &linePrinter{out: out}
	defer p.finish()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handle(ev)
		default:
			return
		}
	}
}

// linePrinter renders transcript events as a growing terminal transcript:
// a new line starts with its role label and growth appends only the new
// text.
type linePrinter struct {
	out     io.Writer
	started bool
	index   int
	printed int
}

func (p *linePrinter) handle(ev live.Event) {
	if ev.Kind != live.KindTranscript || ev.Line == nil {
		return
	}
	l := ev.Line
	if ev.Created || !p.started || l.Index != p.index {
		if p.started {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintf(p.out, "[%s] %s", consoleLabels[l.Role], l.Text)
		p.started, p.index, p.printed = true, l.Index, len(l.Text)
		return
	}
	if len(l.Text) > p.printed {
		fmt.Fprint(p.out, l.Text[p.printed:])
		p.printed = len(l.Text)
	}
}

func (p *linePrinter) finish() {
	if p.started {
		fmt.Fprintln(p.out)
		p.started = false
	}
}
