package intake

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level of a user-visible notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a one-off message for the user (a toast in a UI, a line in the CLI).
type Notification struct {
	Level   Level
	LocalID string
	JobID   string
	CaseID  string
	Message string
}

// Notifier receives notifications after the tracker lock is released.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to the global logger.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	var ev *zerolog.Event
	switch n.Level {
	case LevelError:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev.Str("level_ui", string(n.Level)).
		Str("local_id", n.LocalID).
		Str("job_id", n.JobID).
		Str("case_id", n.CaseID).
		Msg(n.Message)
}
