package message

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DataKind is the first payload byte of a DATA message.
type DataKind byte

const (
	DataRequest  DataKind = 0x01
	DataResponse DataKind = 0x02
)

var ErrEmptyData = errors.New("message: empty DATA payload")

// DataPayload prefixes body with its kind.
func DataPayload(kind DataKind, body []byte) []byte {
	buf := make([]byte, 1+len(body))
	buf[0] = byte(kind)
	copy(buf[1:], body)
	return buf
}

// SplitData separates the kind byte from the body. Unknown kinds are returned as-is
// for the caller to skip.
func SplitData(payload []byte) (DataKind, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, ErrEmptyData
	}
	return DataKind(payload[0]), payload[1:], nil
}

// Invocation is what the callee needs to run a method.
type Invocation struct {
	Method      string            `json:"method"`
	ParamTypes  []string          `json:"paramTypes,omitempty"`
	Args        []byte            `json:"args,omitempty"` // serialized argument
	Attachments map[string]string `json:"attachments,omitempty"`
	Async       bool              `json:"async,omitempty"`
}

// Request is an RPC call. ID is unique within the sending process until the counter
// wraps.
type Request struct {
	ID         uint64     `json:"id"`
	API        string     `json:"api"`
	Group      string     `json:"group"`
	Invocation Invocation `json:"invocation"`
}

var requestID atomic.Uint64

// NewRequest assigns the next process-wide request id.
func NewRequest(api, group string, inv Invocation) *Request {
	return &Request{ID: requestID.Add(1), API: api, Group: group, Invocation: inv}
}

// Renew returns a copy of r with a fresh id, for resending after a failed attempt.
func (r *Request) Renew() *Request {
	cp := *r
	cp.ID = requestID.Add(1)
	return &cp
}

// Attachment returns an attachment value or "".
func (r *Request) Attachment(key string) string {
	return r.Invocation.Attachments[key]
}

func (r *Request) String() string {
	return fmt.Sprintf("%s.%s#%d", r.API, r.Invocation.Method, r.ID)
}

// Status of a response.
type Status uint8

const (
	StatusOK        Status = 1
	StatusTimeout   Status = 2
	StatusException Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusException:
		return "EXCEPTION"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ErrorKind classifies failures carried in a Result.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindTransport
	KindProtocol
	KindBusiness
	KindTimeout
	KindSerialization
	KindNotWritable
	KindNoRoute
	KindShutdown
	KindRejected
)

var kindNames = [...]string{
	KindNone:          "none",
	KindTransport:     "transport",
	KindProtocol:      "protocol",
	KindBusiness:      "business",
	KindTimeout:       "timeout",
	KindSerialization: "serialization",
	KindNotWritable:   "not writable",
	KindNoRoute:       "no route",
	KindShutdown:      "shutdown",
	KindRejected:      "rejected",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Result is either a serialized value or an error.
type Result struct {
	Value   []byte    `json:"value,omitempty"`
	ErrKind ErrorKind `json:"errKind,omitempty"`
	ErrMsg  string    `json:"errMsg,omitempty"`
}

func (r Result) HasError() bool { return r.ErrKind != KindNone }

// ErrorResult builds a failed result.
func ErrorResult(kind ErrorKind, msg string) Result {
	return Result{ErrKind: kind, ErrMsg: msg}
}

// Response answers one Request. Request is a back reference carrying the id and
// the API; the argument bytes are not echoed.
type Response struct {
	Request  *Request `json:"request"`
	Result   Result   `json:"result"`
	Status   Status   `json:"status"`
	ErrorMsg string   `json:"errorMsg,omitempty"`
}

// NewResponse derives the status from the result.
func NewResponse(req *Request, res Result) *Response {
	resp := &Response{Request: req.stripped(), Result: res, Status: StatusOK}
	switch {
	case res.ErrKind == KindTimeout:
		resp.Status = StatusTimeout
		resp.ErrorMsg = res.ErrMsg
	case res.HasError():
		resp.Status = StatusException
		resp.ErrorMsg = res.ErrMsg
	}
	return resp
}

// ID returns the id of the answered request, 0 if unknown.
func (r *Response) ID() uint64 {
	if r.Request == nil {
		return 0
	}
	return r.Request.ID
}

func (r *Request) stripped() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Invocation.Args = nil
	return &cp
}
