package core

import (
	"context"
	"errors"

	"github.com/telemark/dvpool/internal/dataverse"
)

// Execute checks out a handle, dispatches the request, and returns the
// handle — retrying transparently across protection-limit faults. A caller
// never sees a throttle: the loop goes back to checkout, which waits for a
// non-throttled source. The observable outcomes are the successful response,
// a typed pool error (*PoolExhaustedError, *ServiceProtectionError,
// *ConnectionError, *AuthError), cancellation, or a passthrough client error.
func (p *Pool) Execute(ctx context.Context, req dataverse.Request) (*dataverse.Response, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h, err := p.GetClient(ctx)
		if err != nil {
			return nil, err
		}

		start := p.now()
		resp, err := h.Execute(ctx, req)
		elapsed := p.now().Sub(start)
		if closeErr := h.Close(); closeErr != nil {
			Logger().Warn("handle return failed", "source", h.SourceName(), "error", closeErr)
		}

		if err == nil {
			p.controller.RecordBatchCompletion(elapsed)
			return resp, nil
		}

		var fault *dataverse.Fault
		if errors.As(err, &fault) && fault.IsProtectionLimit() {
			// The detector already recorded the throttle; the next checkout
			// waits it out or routes around the source.
			Logger().Debug("dispatch throttled, retrying",
				"source", h.SourceName(),
				"kind", req.Kind().String())
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
}
