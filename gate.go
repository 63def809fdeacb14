package quotagate

import (
	"context"
	"fmt"
)

// gate bounds how many metered admissions may be in flight at once. It is a
// separate control from the ledger lock: it throttles bursts toward the
// downstream API, it does not protect ledger state.
type gate struct {
	permits chan struct{}
}

func newGate(size int) *gate {
	return &gate{permits: make(chan struct{}, size)}
}

// acquire blocks until a permit is free or ctx is done. Callers that do not
// want to wait pass an already-deadlined context.
func (g *gate) acquire(ctx context.Context) error {
	select {
	case g.permits <- struct{}{}:
		return nil
	default:
	}
	select {
	case g.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrGateBusy, ctx.Err())
	}
}

func (g *gate) release() {
	<-g.permits
}

// inFlight returns the number of permits currently held.
func (g *gate) inFlight() int {
	return len(g.permits)
}
