package upload

// Status is the lifecycle state of a file in the upload queue.
type Status uint8

// Upload states.
const (
	StatusIdle Status = iota
	StatusPreparing
	StatusUploading
	StatusPaused
	StatusSuccess
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPreparing:
		return "preparing"
	case StatusUploading:
		return "uploading"
	case StatusPaused:
		return "paused"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// MarshalText ...
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the file needs user action (retry or cancel) to
// move again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusTimeout
}

// Removal (cancel) is allowed from every state and is not part of the table.
// paused → success covers a completion request that was already in flight
// when the file got paused.
var transitions = map[Status][]Status{
	StatusIdle:      {StatusPreparing},
	StatusPreparing: {StatusUploading, StatusError},
	StatusUploading: {StatusPaused, StatusSuccess, StatusError, StatusTimeout},
	StatusPaused:    {StatusUploading, StatusSuccess},
	StatusError:     {StatusIdle},
	StatusTimeout:   {StatusIdle},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
