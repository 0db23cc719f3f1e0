package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"strings"
	"time"

	"page-capture-llm/browser"
	"page-capture-llm/capture"
	"page-capture-llm/gateway"
	"page-capture-llm/messages"
	"page-capture-llm/render"
	"page-capture-llm/selector"
	"page-capture-llm/store"
)

// restrictedPrefixes are internal browser surfaces a capture must never
// target; requesting one fails before any page interaction.
var restrictedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"edge://",
	"brave://",
	"opera://",
	"about:",
	"devtools://",
	"view-source:",
}

const webstoreHost = "chromewebstore.google.com"

// IsRestricted reports whether url points at an internal browser surface.
func IsRestricted(url string) bool {
	lowered := strings.ToLower(strings.TrimSpace(url))
	for _, p := range restrictedPrefixes {
		if strings.HasPrefix(lowered, p) {
			return true
		}
	}
	return strings.Contains(lowered, webstoreHost)
}

// runPipeline executes one claimed request to a terminal state. Every exit
// path leaves the store holding exactly one of result or error (or the
// cancelled marker) and tears down anything injected into the page.
func (o *Orchestrator) runPipeline(ctx context.Context, req *store.CaptureRequest) {
	if IsRestricted(req.TargetURL) {
		// Straight to error: the state record never reaches capturing.
		o.st.PutState(store.CaptureState{
			Status:    store.StatusError,
			Mode:      req.Mode,
			ContextID: req.TargetContextID,
			Error:     "This page cannot be captured.",
		})
		return
	}

	page, err := o.pages.Resolve(ctx, req.TargetContextID)
	if err != nil {
		o.st.PutState(store.CaptureState{
			Status:    store.StatusError,
			Mode:      req.Mode,
			ContextID: req.TargetContextID,
			Error:     userMessage(err),
		})
		return
	}
	if IsRestricted(page.URL()) {
		o.st.PutState(store.CaptureState{
			Status:    store.StatusError,
			Mode:      req.Mode,
			ContextID: page.ContextID(),
			Error:     "This page cannot be captured.",
		})
		return
	}

	// A brand-new capture replaces the whole record; leftovers from a
	// superseded capture must not merge into this one.
	o.st.PutState(store.CaptureState{
		Status:    store.StatusCapturing,
		Mode:      req.Mode,
		ContextID: page.ContextID(),
	})
	o.rt.Send(messages.Envelope{From: messages.ContextOrchestrator, To: messages.Broadcast, Message: messages.ShowProgress{}})
	defer o.rt.Send(messages.Envelope{From: messages.ContextOrchestrator, To: messages.Broadcast, Message: messages.HideProgress{}})

	var img image.Image
	switch req.Mode {
	case store.ModeArea:
		img, err = o.captureArea(ctx, page)
		if err == nil && img == nil {
			// Selection cancelled; terminal state already written.
			return
		}
	case store.ModeFull:
		o.progress("capturing", 20)
		img, err = o.stitcher.CaptureFull(ctx, page)
	default:
		o.progress("capturing", 20)
		img, err = o.stitcher.CaptureVisible(ctx, page)
	}
	if err != nil {
		o.fail(err)
		return
	}
	if o.cancelRequested() {
		log.Printf("orchestrator: cancelled before analysis")
		return
	}

	data, err := encodePNG(img)
	if err != nil {
		o.fail(err)
		return
	}

	o.st.UpdateState(store.StatusUpdate(store.StatusAnalyzing))
	o.progress("vision", 50)

	visionText, err := o.gw.DescribeImage(ctx, data, o.progressFunc("vision"))
	if err != nil {
		// The vision step is fatal; there is nothing to analyze.
		o.fail(err)
		return
	}

	// Checkpoint: a cancel issued mid-flight stops the pipeline here, before
	// any text-analysis network activity.
	if o.cancelRequested() {
		log.Printf("orchestrator: cancelled before text analysis")
		return
	}
	o.progress("analysis", 75)

	analysis, err := o.gw.AnalyzeText(ctx, visionText, o.progressFunc("analysis"))
	if err != nil {
		// Degrade: the vision result is still worth delivering.
		log.Printf("orchestrator: text analysis failed, delivering vision result only: %v", err)
		analysis = render.AnalysisUnavailable(err)
	}

	combined := render.Combine(visionText, analysis)

	// Checkpoint: never publish a result the user already cancelled.
	if o.cancelRequested() {
		log.Printf("orchestrator: cancelled before publishing result")
		return
	}

	complete := store.StatusComplete
	o.st.UpdateState(store.StateUpdate{Status: &complete, Result: &combined})
	o.progress("done", 100)
	o.rt.Send(messages.Envelope{
		From:    messages.ContextOrchestrator,
		To:      messages.ContextPopup,
		Message: messages.ShowResult{Result: combined},
	})
}

// captureArea runs the selecting/processing leg of the state machine. A
// (nil, nil) return means the user cancelled and the terminal state is
// already written.
func (o *Orchestrator) captureArea(ctx context.Context, page browser.Page) (image.Image, error) {
	o.st.SetActiveTarget(page.ContextID())
	defer func() {
		// Overlay teardown happens on every exit path, including cancels
		// and pipeline errors after this point.
		_ = page.RemoveSelector(context.WithoutCancel(ctx))
	}()

	if err := page.InjectSelector(ctx); err != nil {
		return nil, injectionError(err)
	}
	time.Sleep(o.settleDelay)
	ready, err := page.ProbeSelector(ctx)
	if err != nil {
		return nil, injectionError(err)
	}
	if !ready {
		return nil, errInjectionNotReady
	}

	o.st.UpdateState(store.StatusUpdate(store.StatusSelecting))

	sctx, cancel := context.WithTimeout(ctx, o.selectionTimeout)
	defer cancel()
	if err := selector.Await(sctx, page, o.st); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.New("no area was selected in time")
		}
		return nil, err
	}

	sel, present := o.st.TakeSelection()
	if !present {
		return nil, errors.New("the selected area was not recorded")
	}
	if sel == nil {
		o.st.UpdateState(store.StatusUpdate(store.StatusCancelled))
		return nil, nil
	}
	// A cancel issued while the selection overlay was up wins over the
	// finished drag.
	if o.cancelRequested() {
		return nil, nil
	}

	o.st.UpdateState(store.StatusUpdate(store.StatusProcessing))
	o.progress("capturing", 30)

	m, err := page.Metrics(ctx)
	if err != nil {
		return nil, err
	}

	// If the selection lies fully inside the visible viewport a single shot
	// suffices; otherwise stitch from the document top through its bottom
	// edge and crop out of the composite.
	if selectionInViewport(*sel, m) {
		shot, err := o.stitcher.CaptureVisible(ctx, page)
		if err != nil {
			return nil, err
		}
		viewportSel := *sel
		viewportSel.X -= float64(m.ScrollX)
		viewportSel.Y -= float64(m.ScrollY)
		return capture.Crop(shot, viewportSel, m.DevicePixelRatio)
	}

	composite, err := o.stitcher.CaptureForArea(ctx, page, *sel)
	if err != nil {
		return nil, err
	}
	return capture.Crop(composite, *sel, m.DevicePixelRatio)
}

func selectionInViewport(sel store.Selection, m browser.Metrics) bool {
	left := float64(m.ScrollX)
	right := left + float64(m.ViewportWidth)
	top := float64(m.ScrollY)
	bottom := top + float64(m.ViewportHeight)
	return sel.X >= left && sel.X+sel.Width <= right &&
		sel.Y >= top && sel.Bottom() <= bottom
}

// cancelRequested checks the store for a cancelled status; cancellation is
// cooperative and only observed at checkpoints.
func (o *Orchestrator) cancelRequested() bool {
	st := o.st.GetState()
	return st != nil && st.Status == store.StatusCancelled
}

// fail writes the terminal error state with a user-facing sentence.
func (o *Orchestrator) fail(err error) {
	if o.cancelRequested() {
		return
	}
	msg := userMessage(err)
	status := store.StatusError
	o.st.UpdateState(store.StateUpdate{Status: &status, Error: &msg})
	log.Printf("orchestrator: capture failed: %v", err)
}

func (o *Orchestrator) progress(step string, percent int) {
	o.rt.Send(messages.Envelope{
		From:    messages.ContextOrchestrator,
		To:      messages.Broadcast,
		Message: messages.UpdateProgress{Step: step, Percent: percent, Status: step},
	})
}

var errInjectionNotReady = errors.New("selector overlay never reported ready")

func injectionError(err error) error {
	if errors.Is(err, browser.ErrTargetUnavailable) {
		return err
	}
	return fmt.Errorf("could not attach the selection overlay: %w", err)
}

// userMessage translates pipeline errors into the short sentences shown to
// users; raw backend payloads never pass through untranslated.
func userMessage(err error) string {
	var be *gateway.BackendError
	switch {
	case errors.Is(err, browser.ErrTargetUnavailable):
		return "The page was closed or reloaded before the capture finished."
	case errors.Is(err, browser.ErrRateLimited):
		return "Capturing was rate limited by the browser; please try again."
	case errors.Is(err, gateway.ErrCredentialMissing):
		return "No API key is configured for the selected AI provider."
	case errors.Is(err, gateway.ErrTimeout):
		return "The AI request timed out."
	case errors.Is(err, errInjectionNotReady):
		return "The selection overlay could not be attached; the page may have reloaded."
	case errors.As(err, &be):
		return "The AI backend reported an error: " + be.Message
	default:
		return err.Error()
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode capture as PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func byteStats(total int) string {
	return fmt.Sprintf("%d chars", total)
}
