// Package notify is the fire-and-forget notification surface (toasts).
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Severity of a notification.
type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Notifier shows a message for roughly d. Implementations must not block.
type Notifier interface {
	Notify(msg string, sev Severity, d time.Duration)
}

// Default display durations.
const (
	Short = 3 * time.Second
	Long  = 6 * time.Second
)

var (
	colorInfo    = lipgloss.Color("#61AFEF")
	colorSuccess = lipgloss.Color("#98C379")
	colorWarning = lipgloss.Color("#E5C07B")
	colorError   = lipgloss.Color("#E06C75")
)

func styleFor(sev Severity) lipgloss.Style {
	c := colorInfo
	switch sev {
	case Success:
		c = colorSuccess
	case Warning:
		c = colorWarning
	case Error:
		c = colorError
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

// Terminal renders toasts as styled lines on w (usually stderr).
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal creates a Terminal notifier.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Notify(msg string, sev Severity, _ time.Duration) {
	label := styleFor(sev).Render(fmt.Sprintf("[%s]", sev))
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "%s %s\n", label, msg)
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(msg string, sev Severity, d time.Duration) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch sev {
	case Warning:
		level = slog.LevelWarn
	case Error:
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, msg, "severity", sev.String(), "duration_ms", d.Milliseconds())
}

// Note is one recorded notification.
type Note struct {
	Message  string
	Severity Severity
	Duration time.Duration
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	notes []Note
}

func (r *Recorder) Notify(msg string, sev Severity, d time.Duration) {
	r.mu.Lock()
	r.notes = append(r.notes, Note{Message: msg, Severity: sev, Duration: d})
	r.mu.Unlock()
}

// Notes returns a copy of the recorded notifications.
func (r *Recorder) Notes() []Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Note(nil), r.notes...)
}

// Reset drops recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.notes = nil
	r.mu.Unlock()
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(msg string, sev Severity, d time.Duration) {
	for _, n := range m {
		if n != nil {
			n.Notify(msg, sev, d)
		}
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(string, Severity, time.Duration) {}
