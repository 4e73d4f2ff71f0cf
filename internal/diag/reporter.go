// Package diag provides diagnostic sinks for reports produced by the scheduler:
// a slog-backed reporter, fan-out, and an asynchronous pipeline for writers that
// perform I/O.
package diag

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Reporter принимает диагностические сообщения.
type Reporter interface {
	Report(message string, isError bool)
}

// ReporterFunc позволяет использовать функцию как Reporter.
type ReporterFunc func(message string, isError bool)

// Report вызывает f.
func (f ReporterFunc) Report(message string, isError bool) {
	f(message, isError)
}

// Entry - одно диагностическое сообщение.
type Entry struct {
	Time    time.Time
	Message string
	IsError bool
}

// Summary возвращает первую строку сообщения (без стека паники).
func (e Entry) Summary() string {
	if i := strings.IndexByte(e.Message, '\n'); i >= 0 {
		return e.Message[:i]
	}
	return e.Message
}

// Writer сохраняет или доставляет сообщения. Может выполнять I/O.
type Writer interface {
	WriteEntry(ctx context.Context, e Entry) error
}

// LogReporter пишет сообщения в логгер.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter создает reporter поверх логгера.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

// Report пишет ошибки с уровнем Error, остальное с уровнем Info.
func (r *LogReporter) Report(message string, isError bool) {
	e := Entry{Message: message, IsError: isError}
	if isError {
		r.logger.Error("scheduled call report", "message", e.Summary(), "details", message)
		return
	}
	r.logger.Info("scheduled call report", "message", message)
}

type multi []Reporter

// Multi рассылает каждое сообщение всем reporter'ам по порядку. Nil пропускаются.
func Multi(reporters ...Reporter) Reporter {
	out := make(multi, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) Report(message string, isError bool) {
	for _, r := range m {
		r.Report(message, isError)
	}
}
