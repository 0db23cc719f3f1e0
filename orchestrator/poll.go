package orchestrator

import (
	"context"
	"log"
	"time"

	"page-capture-llm/store"
)

// WaitTerminal blocks until the capture reaches a terminal status, then
// consumes it: the returned state is a copy and the store record is reset so
// a stale result can never leak into the next capture. If no terminal state
// arrives within timeout the capture is forcibly reset and an error state is
// synthesized.
func WaitTerminal(ctx context.Context, st *store.Store, timeout time.Duration) (*store.CaptureState, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	events, stop := st.Watch(32)
	defer stop()

	// The state may already be terminal before the first event.
	if state := st.GetState(); state != nil && state.Status.IsTerminal() {
		st.Reset()
		return state, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			log.Printf("orchestrator: no terminal state after %s, forcing reset", timeout)
			st.Reset()
			return &store.CaptureState{
				Status: store.StatusError,
				Error:  "The operation timed out.",
			}, nil
		case ev, ok := <-events:
			if !ok {
				return nil, context.Canceled
			}
			if ev.Key != store.KeyState {
				continue
			}
			if state := st.GetState(); state != nil && state.Status.IsTerminal() {
				st.Reset()
				return state, nil
			}
		}
	}
}
