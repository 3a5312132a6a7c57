package client

import (
	"go.uber.org/zap"

	"mesh-rpc/message"
	"mesh-rpc/rpcerr"
)

// Operation is the proxy for one callable operation on a resolved service.
// Every invocation sends exactly one request; the proxy never retries.
type Operation struct {
	svc  *Service
	name string
}

// Name returns the operation identifier.
func (o *Operation) Name() string {
	return o.name
}

// Call is the blocking mode: it sends the request and returns the remote
// result, or an *rpcerr.Error describing the remote failure or transport fault.
func (o *Operation) Call(args ...float64) (float64, error) {
	return o.Async(args...).Wait()
}

// Async is the non-blocking mode: it sends the request and returns at once
// with a Future for the result. A request that cannot even be written yields
// an already failed Future.
func (o *Operation) Async(args ...float64) *Future {
	req := &message.Request{
		Service:   o.svc.name,
		Operation: o.name,
		Args:      append([]float64(nil), args...),
	}
	f := newFuture()

	ch, err := o.svc.tr.Send(req)
	if err != nil {
		o.svc.log.Debug("send failed", zap.String("operation", o.name), zap.Error(err))
		f.fail(rpcerr.Wrap(rpcerr.KindTransportFault, req.Service, req.Operation, err))
		return f
	}

	go func() {
		resp := <-ch
		if err := resp.Err(req); err != nil {
			f.fail(err)
			return
		}
		f.fulfill(resp.Result)
	}()
	return f
}
