package player

import "fmt"

// State is the pipeline state. Only the control goroutine changes it.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateReady
	StatePlaying
	StatePaused
	StateSeeking
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateSeeking:
		return "seeking"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// transitioning reports whether an Open or Seek worker owns the pipeline.
func (s State) transitioning() bool {
	return s == StateOpening || s == StateSeeking
}
