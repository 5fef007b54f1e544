// Package console is the kernel's text console: a fixed grid of cells with
// scrolling, fed by a bounded printf.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	Columns = 80
	Rows    = 25

	// PrintkBufferSize is the capacity of the formatting buffer, including
	// the terminator a C string would need.
	PrintkBufferSize = 1024
)

// Console renders text into a Rows x Columns screen. Lines longer than the
// screen are cut rather than wrapped; output past the last row scrolls.
type Console struct {
	mu     sync.Mutex
	screen *vt.SafeEmulator
	mirror io.Writer
	column int

	printk boundedBuffer
}

// New returns an empty console. Everything put on the screen is also
// copied to mirror when it is non-nil.
func New(mirror io.Writer) *Console {
	c := &Console{}
	c.Init(mirror)
	return c
}

// Init prepares a zero Console in place.
func (c *Console) Init(mirror io.Writer) {
	c.screen = vt.NewSafeEmulator(Columns, Rows)
	c.mirror = mirror
	c.column = 0
	c.printk.reset()
}

func printable(r rune) rune {
	if r < 0x20 || r == 0x7f {
		return -1
	}
	return r
}

// PutString writes s at the cursor. Only newlines are interpreted; other
// control characters and escape sequences are dropped.
func (c *Console) PutString(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putString(s)
}

func (c *Console) putString(s string) {
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			c.screen.Write([]byte("\r\n"))
			c.column = 0
			if c.mirror != nil {
				io.WriteString(c.mirror, "\n")
			}
		}
		line = strings.Map(printable, ansi.Strip(line))
		room := Columns - 1 - c.column
		if room <= 0 || line == "" {
			continue
		}
		if ansi.StringWidth(line) > room {
			line = ansi.Truncate(line, room, "")
		}
		c.screen.Write([]byte(line))
		c.column += ansi.StringWidth(line)
		if c.mirror != nil {
			io.WriteString(c.mirror, line)
		}
	}
}

// Write implements io.Writer so the console can back a log handler.
func (c *Console) Write(p []byte) (int, error) {
	c.PutString(string(p))
	return len(p), nil
}

// Printk formats into the fixed printk buffer and puts the result on the
// screen. It returns the number of bytes written and whether the output
// had to be cut to fit the buffer.
func (c *Console) Printk(format string, args ...any) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.printk.reset()
	fmt.Fprintf(&c.printk, format, args...)
	s := c.printk.String()
	c.putString(s)
	return len(s), c.printk.truncated
}

// Lines returns the screen contents, one string per row with trailing
// blanks removed.
func (c *Console) Lines() []string {
	lines := make([]string, 0, Rows)
	for y := 0; y < Rows; y++ {
		var b strings.Builder
		for x := 0; x < Columns; {
			cell := c.screen.CellAt(x, y)
			w := 1
			content := " "
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			b.WriteString(content)
			x += w
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	return lines
}

// String returns the non-empty prefix of the screen.
func (c *Console) String() string {
	lines := c.Lines()
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func (c *Console) Close() error { return c.screen.Close() }

// boundedBuffer is a fixed-capacity io.Writer that records truncation
// instead of growing.
type boundedBuffer struct {
	buf       [PrintkBufferSize]byte
	n         int
	truncated bool
}

func (b *boundedBuffer) reset() {
	b.n = 0
	b.truncated = false
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := len(b.buf) - 1 - b.n
	q := p
	if len(q) > room {
		q = q[:room]
		b.truncated = true
	}
	b.n += copy(b.buf[b.n:], q)
	return len(p), nil
}

// String returns the buffered text, dropping a rune cut in half by
// truncation.
func (b *boundedBuffer) String() string {
	s := b.buf[:b.n]
	for b.truncated && len(s) > 0 {
		if r, size := utf8.DecodeLastRune(s); r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return string(s)
}
