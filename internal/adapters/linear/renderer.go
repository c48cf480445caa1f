// Package linear provides a line-oriented progress renderer for terminals and CI logs.
package linear

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/muesli/termenv"
	"go.trai.ch/zb/internal/ui/output"
	"go.trai.ch/zb/internal/ui/style"
)

// Renderer implements ports.Renderer. Step events go to stderr; output
// written by steps goes to stdout, one prefixed line at a time.
type Renderer struct {
	stdout io.Writer
	stderr io.Writer
	output *termenv.Output

	mu    sync.Mutex
	steps map[string]*step
}

type step struct {
	name    string
	started time.Time
	partial bytes.Buffer
}

// NewRenderer creates a Renderer. Nil writers default to os.Stdout and os.Stderr.
func NewRenderer(stdout, stderr io.Writer) *Renderer {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Renderer{
		stdout: stdout,
		stderr: stderr,
		output: output.NewWithProfile(stderr, output.ColorProfileANSI),
		steps:  make(map[string]*step),
	}
}

// Start does nothing; the renderer writes synchronously.
func (r *Renderer) Start(context.Context) error {
	return nil
}

// Stop prints any partial lines still buffered.
func (r *Renderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		r.flushLocked(s)
	}
	return nil
}

// Wait does nothing; the renderer writes synchronously.
func (r *Renderer) Wait() error {
	return nil
}

// OnPlanEmit prints the packages an install will act on.
func (r *Renderer) OnPlanEmit(names []string, _ map[string][]string, requested []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(names) == 0 {
		return
	}
	header := r.output.String("==>").Foreground(r.output.Color(string(style.Amber))).Bold().String()
	_, _ = fmt.Fprintf(r.stderr, "%s Planned %d package(s) for %s: %s\n",
		header, len(names), strings.Join(requested, ", "), strings.Join(names, ", "))
}

// OnTaskStart prints that a step began.
func (r *Renderer) OnTaskStart(spanID, _, name string, startTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps[spanID] = &step{name: name, started: startTime}
	_, _ = fmt.Fprintf(r.stderr, "%s %s\n", r.prefix(name), r.output.String("started").Faint())
}

// OnTaskLog prints the complete lines in data under the step's name.
func (r *Renderer) OnTaskLog(spanID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.steps[spanID]
	if !ok {
		return
	}
	s.partial.Write(data)
	for {
		buffered := s.partial.Bytes()
		i := bytes.IndexByte(buffered, '\n')
		if i < 0 {
			return
		}
		r.printLineLocked(s.name, buffered[:i])
		s.partial.Next(i + 1)
	}
}

// OnTaskComplete prints the outcome and duration of a step.
func (r *Renderer) OnTaskComplete(spanID string, endTime time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.steps[spanID]
	if !ok {
		return
	}
	r.flushLocked(s)
	delete(r.steps, spanID)

	elapsed := endTime.Sub(s.started).Round(time.Millisecond)
	if err != nil {
		icon := r.output.String(style.Cross).Foreground(r.output.Color(string(style.Red)))
		_, _ = fmt.Fprintf(r.stderr, "%s %s failed after %v: %v\n", r.prefix(s.name), icon, elapsed, err)
		return
	}
	icon := r.output.String(style.Check).Foreground(r.output.Color(string(style.Green)))
	_, _ = fmt.Fprintf(r.stderr, "%s %s done in %v\n", r.prefix(s.name), icon, elapsed)
}

func (r *Renderer) prefix(name string) termenv.Style {
	return r.output.String("[" + name + "]").Faint()
}

func (r *Renderer) flushLocked(s *step) {
	if s.partial.Len() > 0 {
		r.printLineLocked(s.name, s.partial.Bytes())
		s.partial.Reset()
	}
}

func (r *Renderer) printLineLocked(name string, line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return
	}
	_, _ = fmt.Fprintf(r.stdout, "[%s] %s\n", name, line)
}
