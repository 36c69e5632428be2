// Package gate holds automated polling until a human operator finishes
// manual setup in the browser (installing a wallet extension, starting the
// first session) and signals readiness.
package gate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Outcome is the result of waiting for the operator.
type Outcome int

const (
	// Ready means the operator signalled that setup is complete.
	Ready Outcome = iota
	// Cancelled means the run was cancelled before the operator answered.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var promptStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#F59E0B"))

var hintStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#6B7280"))

// Gate waits for a single line of operator input. It is single-use: once a
// line has been delivered, later calls to WaitForOperator only return on
// cancellation.
type Gate struct {
	in     io.Reader
	out    io.Writer
	prompt string
	hints  []string

	startOnce sync.Once
	lines     chan error
}

// New creates a gate that reads readiness from in and writes its prompt to out.
func New(in io.Reader, out io.Writer, prompt string, hints ...string) *Gate {
	return &Gate{
		in:     in,
		out:    out,
		prompt: prompt,
		hints:  hints,
		lines:  make(chan error, 1),
	}
}

// WaitForOperator blocks until the operator sends any input or ctx is done.
// There is no timeout. Cancellation is reported as Cancelled with a nil
// error. If input ends without data the gate keeps waiting for cancellation,
// since nobody can release it anymore.
func (g *Gate) WaitForOperator(ctx context.Context) (Outcome, error) {
	g.render()
	g.startOnce.Do(func() {
		go g.read()
	})

	select {
	case <-ctx.Done():
		return Cancelled, nil
	case err := <-g.lines:
		if err != nil {
			return Cancelled, fmt.Errorf("read operator input: %w", err)
		}
		return Ready, nil
	}
}

func (g *Gate) render() {
	if g.out == nil {
		return
	}
	fmt.Fprintln(g.out, promptStyle.Render(g.prompt))
	for _, h := range g.hints {
		fmt.Fprintln(g.out, hintStyle.Render(h))
	}
}

// read delivers the first line of input, or the read error, then stops so
// later input stays with the process. EOF without data is never delivered.
func (g *Gate) read() {
	line, err := bufio.NewReader(g.in).ReadString('\n')
	if errors.Is(err, io.EOF) {
		// A final unterminated line still counts as input
		if line == "" {
			return
		}
		err = nil
	}
	g.lines <- err
}
