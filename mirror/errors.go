package mirror

import (
	"errors"
	"fmt"
)

// StatusMessage is one entry of the mirror node's `_status.messages` error
// envelope. Data carries the ABI-encoded revert payload when present.
type StatusMessage struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Data    string `json:"data"`
}

type statusEnvelope struct {
	Status struct {
		Messages []StatusMessage `json:"messages"`
	} `json:"_status"`
}

// ClientError is a non-2xx mirror-node response. It keeps its identity across
// service boundaries until the JSON-RPC edge normalizes it.
type ClientError struct {
	StatusCode int
	Messages   []StatusMessage
}

func (e *ClientError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("mirror node: %d %s", e.StatusCode, e.Messages[0].Message)
	}
	return fmt.Sprintf("mirror node: %d", e.StatusCode)
}

func (e *ClientError) message() string {
	if len(e.Messages) > 0 {
		return e.Messages[0].Message
	}
	return ""
}

// Detail returns the human-readable revert reason, when the mirror node
// supplied one.
func (e *ClientError) Detail() string {
	if len(e.Messages) > 0 {
		return e.Messages[0].Detail
	}
	return ""
}

// Data returns the raw revert payload, when present.
func (e *ClientError) Data() string {
	if len(e.Messages) > 0 {
		return e.Messages[0].Data
	}
	return ""
}

// IsNotFound reports a 404.
func (e *ClientError) IsNotFound() bool { return e.StatusCode == 404 }

// IsRateLimited reports a 429.
func (e *ClientError) IsRateLimited() bool { return e.StatusCode == 429 }

// IsContractRevert reports a contract revert surfaced as a 400.
func (e *ClientError) IsContractRevert() bool {
	return e.message() == "CONTRACT_REVERT_EXECUTED"
}

// IsFailInvalid reports the consensus-side FAIL_INVALID outcome.
func (e *ClientError) IsFailInvalid() bool { return e.message() == "FAIL_INVALID" }

// IsInvalidTransaction reports the INVALID_TRANSACTION outcome.
func (e *ClientError) IsInvalidTransaction() bool { return e.message() == "INVALID_TRANSACTION" }

// IsNotFound reports whether err is a mirror-node 404.
func IsNotFound(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.IsNotFound()
}
