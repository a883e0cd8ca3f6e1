package coderr

// Code classifies an error for callers that need to branch on it.
type Code int

const (
	Internal Code = iota + 1
	NotFound
	TimedOut
	ServiceUnavailable
	Aborted
	NetworkError
	IllegalState
	InvalidArgument
)

func (c Code) String() string {
	switch c {
	case Internal:
		return "Internal"
	case NotFound:
		return "NotFound"
	case TimedOut:
		return "TimedOut"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	case Aborted:
		return "Aborted"
	case NetworkError:
		return "NetworkError"
	case IllegalState:
		return "IllegalState"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}
