package rpc

import (
	"errors"

	"chanrpc/channel"
	"chanrpc/message"
	"chanrpc/protocol"
)

// Error is a failed call. Kind tells a timeout from a business error from a transport
// problem; Msg is the remote or local description.
type Error struct {
	Kind message.ErrorKind
	Msg  string
	Err  error
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrTimeout       = &Error{Kind: message.KindTimeout}
	ErrNoRoute       = &Error{Kind: message.KindNoRoute}
	ErrShutdown      = &Error{Kind: message.KindShutdown}
	ErrBusiness      = &Error{Kind: message.KindBusiness}
	ErrNotWritable   = &Error{Kind: message.KindNotWritable}
	ErrRejected      = &Error{Kind: message.KindRejected}
	ErrProtocol      = &Error{Kind: message.KindProtocol}
	ErrSerialization = &Error{Kind: message.KindSerialization}
)

func (e *Error) Error() string {
	s := "rpc: " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// errorOf turns a failed result into an *Error, nil on success.
func errorOf(res message.Result) error {
	if !res.HasError() {
		return nil
	}
	return &Error{Kind: res.ErrKind, Msg: res.ErrMsg}
}

// resultOf classifies err. Errors that are not *Error are business errors.
func resultOf(err error) message.Result {
	var re *Error
	if errors.As(err, &re) {
		msg := re.Msg
		if re.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += re.Err.Error()
		}
		return message.ErrorResult(re.Kind, msg)
	}
	return message.ErrorResult(message.KindBusiness, err.Error())
}

// sendError classifies a failed channel write.
func sendError(err error) error {
	if errors.Is(err, channel.ErrNotWritable) {
		return &Error{Kind: message.KindNotWritable, Err: err}
	}
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		return &Error{Kind: message.KindProtocol, Err: err}
	}
	return &Error{Kind: message.KindTransport, Err: err}
}
