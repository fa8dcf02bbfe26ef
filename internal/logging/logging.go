// Package logging wraps the standard logger with the teacher's bracketed
// component-tag convention ("[broadcast] ...", "[listen] ...") so every
// package logs consistently without pulling in a structured logging
// library the rest of this component doesn't need.
package logging

import (
	"log"
	"os"
)

// Logger prefixes every line with "[component] ".
type Logger struct {
	tag string
	std *log.Logger
}

func New(component string) *Logger {
	return &Logger{
		tag: "[" + component + "] ",
		std: log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf(l.tag+format, args...)
}

func (l *Logger) Println(args ...any) {
	l.std.Println(append([]any{l.tag}, args...)...)
}
