package client

import (
	"errors"
	"fmt"

	"github.com/tenzoki/agen/dcop/internal/wire"
)

var (
	ErrClosed    = errors.New("client closed")
	ErrNoHandler = errors.New("no request handler installed")
)

// Sentinels matched by RemoteError through errors.Is.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNameInUse          = errors.New("name in use")
	ErrUnknownApplication = errors.New("unknown application")
	ErrPeerGone           = errors.New("peer gone")
	ErrNotRegistered      = errors.New("not registered")
	ErrTimeout            = errors.New("delayed reply timed out")
	ErrStaleCall          = errors.New("stale call")
	ErrApplication        = errors.New("application error")
)

var sentinels = map[wire.FailureCode]error{
	wire.CodeInvalidRequest:     ErrInvalidRequest,
	wire.CodeNameInUse:          ErrNameInUse,
	wire.CodeUnknownApplication: ErrUnknownApplication,
	wire.CodePeerGone:           ErrPeerGone,
	wire.CodeNotRegistered:      ErrNotRegistered,
	wire.CodeTimeout:            ErrTimeout,
	wire.CodeStaleCall:          ErrStaleCall,
	wire.CodeApplicationError:   ErrApplication,
}

// RemoteError is a failure reply from the broker or from the called
// application.
type RemoteError struct {
	Code    wire.FailureCode
	Message string
	// From is the application that sent the failure, or wire.ServerName.
	From string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.From, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.From, e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return sentinels[e.Code] == target
}

func remoteError(f *wire.Frame) *RemoteError {
	var fl wire.Failure
	if err := wire.UnmarshalPayload(f.Payload, &fl); err != nil {
		return &RemoteError{Code: wire.CodeInvalidRequest, Message: "undecodable failure", From: f.Sender}
	}
	return &RemoteError{Code: fl.Code, Message: fl.Message, From: f.Sender}
}

// failureFor converts a handler error into the failure sent back to the
// caller. A *RemoteError keeps its code.
func failureFor(err error) *wire.Failure {
	var re *RemoteError
	if errors.As(err, &re) {
		return &wire.Failure{Code: re.Code, Message: re.Message}
	}
	return &wire.Failure{Code: wire.CodeApplicationError, Message: err.Error()}
}
