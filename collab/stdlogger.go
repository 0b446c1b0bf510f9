package collab

import (
	"log"

	"github.com/fatih/color"
)

// stdLogger is the default Logger for the cmd binaries: plain log.Println
// output, colorized by level the way the teacher's main.go colors its own
// QPP warnings with fatih/color rather than a structured logging library.
type stdLogger struct {
	quiet bool
}

// NewStdLogger returns a Logger writing through the standard log package.
// When quiet is set, Info and Debug are suppressed, mirroring the
// teacher's "-quiet" flag that silences stream open/close chatter.
func NewStdLogger(quiet bool) Logger {
	return &stdLogger{quiet: quiet}
}

func (l *stdLogger) Error(msg string, kv ...any) {
	log.Println(append([]any{color.RedString("ERROR"), msg}, kv...)...)
}

func (l *stdLogger) Warn(msg string, kv ...any) {
	log.Println(append([]any{color.YellowString("WARN"), msg}, kv...)...)
}

func (l *stdLogger) Info(msg string, kv ...any) {
	if l.quiet {
		return
	}
	log.Println(append([]any{"INFO", msg}, kv...)...)
}

func (l *stdLogger) Debug(msg string, kv ...any) {
	if l.quiet {
		return
	}
	log.Println(append([]any{"DEBUG", msg}, kv...)...)
}
