package ingestion

import (
	"context"

	"PredictLedger/internal/core"
	"PredictLedger/internal/observability"
)

// FanOut copies every output from in to each of outs without blocking; a
// full destination misses the record. All outs are closed once in is closed
// or ctx is done.
func FanOut(ctx context.Context, in <-chan core.CoreOutput, metrics *observability.Metrics, outs ...chan<- core.CoreOutput) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-in:
			if !ok {
				return
			}
			for _, out := range outs {
				select {
				case out <- o:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}
