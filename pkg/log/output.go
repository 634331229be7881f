package log

import (
	"io"
	"os"
)

// ConsoleOutput writes formatted entries to stdout, routing Warn/Error/Fatal
// to stderr.
type ConsoleOutput struct{}

// NewConsoleOutput builds a ConsoleOutput.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{} }

func (c *ConsoleOutput) Write(entry *Entry, formatted []byte) error {
	w := io.Writer(os.Stdout)
	if entry.Level >= WarnLevel {
		w = os.Stderr
	}
	_, err := w.Write(formatted)
	return err
}

func (c *ConsoleOutput) Close() error { return nil }

// NullOutput discards every entry; useful in tests that don't want log noise.
type NullOutput struct{}

func (NullOutput) Write(*Entry, []byte) error { return nil }
func (NullOutput) Close() error               { return nil }
