// Package events defines the structured event sink the core reports through.
//
// Logger configuration and formatting are an external collaborator's
// concern; the core only ever depends on this small interface, the same
// way dKV's dragonboat integration depends on an ILogger rather than a
// concrete logger.
package events

import (
	"fmt"
	"log"
	"os"
)

// Sink receives structured lifecycle events from the engine.
type Sink interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdSink is the default Sink, backed by the standard log package.
type StdSink struct {
	name   string
	logger *log.Logger
}

// NewStdSink builds a Sink that prefixes every line with name.
func NewStdSink(name string) *StdSink {
	return &StdSink{name: name, logger: log.New(os.Stderr, "", log.LstdFlags)}
}

func (s *StdSink) Infof(format string, args ...interface{})  { s.log("INFO", format, args...) }
func (s *StdSink) Warnf(format string, args ...interface{})  { s.log("WARN", format, args...) }
func (s *StdSink) Errorf(format string, args ...interface{}) { s.log("ERROR", format, args...) }

func (s *StdSink) log(level, format string, args ...interface{}) {
	s.logger.Printf("%-5s | %-20s | %s", level, s.name, fmt.Sprintf(format, args...))
}

// noopSink discards everything; used by tests that don't care about events.
type noopSink struct{}

func (noopSink) Infof(string, ...interface{})  {}
func (noopSink) Warnf(string, ...interface{})  {}
func (noopSink) Errorf(string, ...interface{}) {}

// Noop returns a Sink that discards every event.
func Noop() Sink { return noopSink{} }
