// Package console implements the byte-sink diagnostics interface (spec.md
// §6.3's console external interface): every subsystem writes formatted
// diagnostics through a Sink rather than calling fmt.Println directly,
// mirroring the teacher's own freestanding fmt.Printf diagnostics in
// biscuit/src/kernel (chentry.go, present in the teacher's own checkout,
// and main.go, retrieved as
// f848b9fe_justanotherdot-biscuit__biscuit-src-kernel-main.go.go since the
// teacher's own tree has no main.go) behind a seam a persona layer can
// redirect to a real serial port or framebuffer console.
package console

import (
	"fmt"
	"io"
	"sync"
)

// Sink accepts raw console bytes. A real persona layer backs this with a
// serial port or VGA buffer; tests and the hosted harness back it with an
// in-memory buffer or os.Stdout.
type Sink interface {
	io.Writer
}

// Logger serializes writes from multiple goroutines onto a single Sink and
// offers fmt.Printf-style formatting, the same shape the teacher's kernel
// diagnostics use.
type Logger struct {
	mu   sync.Mutex
	sink Sink
}

// New wraps sink in a Logger. A nil sink discards everything.
func New(sink Sink) *Logger {
	return &Logger{sink: sink}
}

// Printf formats and writes a line to the underlying sink, appending a
// trailing newline if format doesn't already end with one.
func (l *Logger) Printf(format string, args ...interface{}) {
	if l == nil || l.sink == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.sink, format, args...)
	if len(format) == 0 || format[len(format)-1] != '\n' {
		fmt.Fprint(l.sink, "\n")
	}
}

// Buffer is an in-memory Sink, useful for tests that assert on diagnostic
// output without a real console.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	return len(p), nil
}

// String returns everything written so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Discard is a Sink that drops every write, the default when no real
// console is wired.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
