// Package notify delivers user-facing session notices (errors, permission
// problems) outside the voice channel.
package notify

import "github.com/pharmacy-voice-lab/internal/logging"

// Notifier receives human-readable notices about session failures.
type Notifier interface {
	Notify(level, message string)
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(level, message string) {
	switch level {
	case "error":
		logging.Errorw("notice", "message", message)
	default:
		logging.Infow("notice", "level", level, "message", message)
	}
}

// Noop discards all notices.
type Noop struct{}

func (Noop) Notify(level, message string) {}

var (
	_ Notifier = LogNotifier{}
	_ Notifier = Noop{}
)
