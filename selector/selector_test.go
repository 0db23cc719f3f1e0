package selector

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"page-capture-llm/browser"
	"page-capture-llm/store"
)

type stubPage struct {
	mu       sync.Mutex
	sel      *store.Selection
	present  bool
	pollErr  error
	// pollsUntilPresent delays the outcome a few ticks.
	pollsUntilPresent int
}

func (p *stubPage) ContextID() string { return "stub" }
func (p *stubPage) URL() string       { return "https://example.test/" }
func (p *stubPage) Metrics(context.Context) (browser.Metrics, error) {
	return browser.Metrics{}, nil
}
func (p *stubPage) ScrollTo(context.Context, int) error { return nil }
func (p *stubPage) Screenshot(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}
func (p *stubPage) ShowMask(context.Context) error          { return nil }
func (p *stubPage) HideMask(context.Context) error          { return nil }
func (p *stubPage) SettleFrames(context.Context, int) error { return nil }
func (p *stubPage) InjectSelector(context.Context) error    { return nil }
func (p *stubPage) RemoveSelector(context.Context) error    { return nil }
func (p *stubPage) ProbeSelector(context.Context) (bool, error) {
	return true, nil
}

func (p *stubPage) PollSelection(context.Context) (*store.Selection, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollErr != nil {
		return nil, false, p.pollErr
	}
	if p.pollsUntilPresent > 0 {
		p.pollsUntilPresent--
		return nil, false, nil
	}
	return p.sel, p.present, nil
}

func TestAwaitWritesSelection(t *testing.T) {
	st := store.New()
	defer st.Close()
	page := &stubPage{
		sel:               &store.Selection{X: 1, Y: 2, Width: 30, Height: 40},
		present:           true,
		pollsUntilPresent: 2,
	}

	err := Await(context.Background(), page, st)
	require.NoError(t, err)

	sel, present := st.TakeSelection()
	require.True(t, present)
	require.NotNil(t, sel)
	assert.Equal(t, 42.0, sel.Bottom())
}

func TestAwaitWritesCancelOutcome(t *testing.T) {
	st := store.New()
	defer st.Close()
	page := &stubPage{sel: nil, present: true}

	err := Await(context.Background(), page, st)
	require.NoError(t, err)

	sel, present := st.TakeSelection()
	assert.True(t, present, "an explicit cancel is still a recorded outcome")
	assert.Nil(t, sel)
}

func TestAwaitTimeoutLeavesStoreUntouched(t *testing.T) {
	st := store.New()
	defer st.Close()
	page := &stubPage{present: false}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	err := Await(ctx, page, st)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, present := st.TakeSelection()
	assert.False(t, present, "no outcome may be written on timeout")
}

func TestAwaitPropagatesPageError(t *testing.T) {
	st := store.New()
	defer st.Close()
	page := &stubPage{pollErr: errors.New("execution context destroyed")}

	err := Await(context.Background(), page, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution context destroyed")
}
