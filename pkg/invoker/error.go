package invoker

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"routeclient/pkg/coderr"
)

// ServerErrorCode is an application-level error reported by a tablet server.
type ServerErrorCode int

const (
	CodeUnknown ServerErrorCode = iota
	CodeNotTheLeader
	CodeLeaderNotReadyToServe
	CodeStaleFollower
	CodeTabletNotFound
	CodeTabletSplit
)

var serverErrorCodeNames = map[ServerErrorCode]string{
	CodeUnknown:               "UNKNOWN_ERROR",
	CodeNotTheLeader:          "NOT_THE_LEADER",
	CodeLeaderNotReadyToServe: "LEADER_NOT_READY_TO_SERVE",
	CodeStaleFollower:         "STALE_FOLLOWER",
	CodeTabletNotFound:        "TABLET_NOT_FOUND",
	CodeTabletSplit:           "TABLET_SPLIT",
}

func (c ServerErrorCode) String() string {
	if s, ok := serverErrorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ServerErrorCode(%d)", int(c))
}

func (c ServerErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ServerErrorCode) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for code, name := range serverErrorCodeNames {
		if name == s {
			*c = code
			return nil
		}
	}
	return errors.Errorf("unknown server error code %q", string(b))
}

// ServerError is the error embedded in a tablet server response.
type ServerError struct {
	Code    ServerErrorCode `json:"code"`
	Message string          `json:"message,omitempty"`
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	ErrAborted            = coderr.NewCodeError(coderr.Aborted, "rpc aborted")
	ErrTimedOut           = coderr.NewCodeError(coderr.TimedOut, "rpc deadline exceeded")
	ErrServiceUnavailable = coderr.NewCodeError(coderr.ServiceUnavailable, "no eligible replica")
)
