// Package progress renders a single-line terminal progress display for
// long-running merges.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const defaultTermWidth = 80

// Bar is a one-line counter of completed work items. It is safe for
// concurrent Set calls and degrades to silence when the writer is not
// a terminal.
type Bar struct {
	mu      sync.Mutex
	w       io.Writer
	message string
	total   int
	isTTY   bool
}

func NewBar(w io.Writer, message string, total int) *Bar {
	isTTY := false
	if f, ok := w.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}

	return &Bar{w: w, message: message, total: total, isTTY: isTTY}
}

// Set updates the display to done of total items, labeled with the
// most recently finished item. Its signature matches the merge
// engine's progress callback so a Bar can be handed over directly.
func (b *Bar) Set(label string, done, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total = total
	if !b.isTTY {
		return
	}

	width := defaultTermWidth
	if f, ok := b.w.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}

	line := fmt.Sprintf("%s %d/%d %s", b.message, done, total, label)
	if len(line) > width-1 {
		line = line[:width-1]
	}

	fmt.Fprintf(b.w, "\r\033[2K%s", line)
}

// Done finishes the display, leaving the final count on its own line.
func (b *Bar) Done() {
	if !b.isTTY {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fmt.Fprintf(b.w, "\r\033[2K%s %d/%d%s\n", b.message, b.total, b.total, strings.Repeat(" ", 2))
}
