package session

// VoiceStatus is the externally visible state of a voice session. The
// lifecycle is linear: idle -> listening -> processing <-> speaking, with
// error reachable from any active state and idle reachable from all.
type VoiceStatus int

const (
	StatusIdle VoiceStatus = iota
	StatusListening
	StatusProcessing
	StatusSpeaking
	StatusError
)

func (s VoiceStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusListening:
		return "listening"
	case StatusProcessing:
		return "processing"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether the session holds live resources in this status.
func (s VoiceStatus) Active() bool {
	return s == StatusListening || s == StatusProcessing || s == StatusSpeaking
}
