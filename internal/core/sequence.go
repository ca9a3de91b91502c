package core

import (
	"context"
	"sync/atomic"
)

type sequenceSinkCtx struct{}

// WithSequenceCapture returns a context that records the sequence of the
// outcome record emitted under it. The returned func reports that sequence,
// or -1 if nothing was emitted.
func WithSequenceCapture(ctx context.Context) (context.Context, func() int64) {
	sink := new(atomic.Int64)
	sink.Store(-1)
	return context.WithValue(ctx, sequenceSinkCtx{}, sink), sink.Load
}

func captureSequence(ctx context.Context, seq int64) {
	if sink, ok := ctx.Value(sequenceSinkCtx{}).(*atomic.Int64); ok {
		sink.Store(seq)
	}
}
