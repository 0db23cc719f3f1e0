// Package selector bridges the in-page area-selection overlay and the
// shared store: it watches the overlay's outcome on the page and reports
// it through the store, the same channel every other capture signal uses.
package selector

import (
	"context"
	"log"
	"time"

	"page-capture-llm/browser"
	"page-capture-llm/store"
)

const pollInterval = 100 * time.Millisecond

// Await polls the page until the overlay reports an outcome, then writes it
// to the store (a nil selection is the explicit user cancel). Returns the
// page error if polling fails, or ctx.Err() on timeout/cancel; the store is
// only written when a real outcome arrived.
func Await(ctx context.Context, page browser.Page, st *store.Store) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sel, present, err := page.PollSelection(ctx)
			if err != nil {
				return err
			}
			if !present {
				continue
			}
			if sel == nil {
				log.Printf("selector: user cancelled selection on %s", page.ContextID())
			} else {
				log.Printf("selector: selection %+v on %s", *sel, page.ContextID())
			}
			st.SetSelection(sel)
			return nil
		}
	}
}
