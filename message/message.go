// Package message defines the request and response envelopes exchanged between
// a Service Connection and a Dispatch Core.
//
// Both envelopes get serialized by the codec layer and wrapped in a protocol
// frame for transmission over TCP. Operations in this mesh take numeric scalars
// and return one numeric scalar, so arguments travel as positional float64s.
package message

import (
	"errors"

	"mesh-rpc/rpcerr"
)

// Request addresses one operation on one named service. It is built fresh for
// every call and never mutated after it is handed to a transport.
type Request struct {
	Service   string    // Target ServiceName, e.g. "addition"
	Operation string    // Operation identifier, e.g. "add"
	Args      []float64 // Positional arguments
}

// Response carries the outcome of one Request.
//
//   - On success: Kind is rpcerr.KindNone and Result holds the value.
//   - On failure: Kind classifies the failure and Error holds the remote message.
type Response struct {
	Result float64
	Kind   rpcerr.Kind
	Error  string
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Kind != rpcerr.KindNone || r.Error != ""
}

// Err rebuilds the remote error, or returns nil on success.
func (r *Response) Err(req *Request) error {
	if !r.Failed() {
		return nil
	}
	kind := r.Kind
	if kind == rpcerr.KindNone {
		kind = rpcerr.KindRemoteFailure
	}
	e := &rpcerr.Error{Kind: kind, Message: r.Error}
	if req != nil {
		e.Service, e.Operation = req.Service, req.Operation
	}
	return e
}

// Result builds a successful response.
func Result(v float64) *Response {
	return &Response{Result: v}
}

// Failure builds a failed response from err, keeping its kind.
func Failure(err error) *Response {
	resp := &Response{Kind: rpcerr.KindOf(err), Error: err.Error()}
	var e *rpcerr.Error
	if errors.As(err, &e) && e.Message != "" {
		resp.Error = e.Message
	}
	return resp
}
