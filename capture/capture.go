// Package capture takes viewport snapshots of a driven page and composites
// them into one raster image, optionally cropped to a user-drawn rectangle.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log"
	"math"
	"time"

	"page-capture-llm/browser"
	"page-capture-llm/store"
)

const (
	maxShotRetries  = 3
	initialBackoff  = 500 * time.Millisecond
	settleFrameTick = 2 // animation-frame ticks before each snapshot
)

// Stitcher drives multi-shot scroll captures against a Page.
type Stitcher struct {
	// SettleDelay is the fixed wait after scroll and overlay transitions.
	SettleDelay time.Duration

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

func New(settleDelay time.Duration) *Stitcher {
	if settleDelay <= 0 {
		settleDelay = 150 * time.Millisecond
	}
	return &Stitcher{SettleDelay: settleDelay, sleep: time.Sleep}
}

// CaptureVisible takes a single snapshot of the currently visible viewport.
func (s *Stitcher) CaptureVisible(ctx context.Context, page browser.Page) (image.Image, error) {
	return s.shoot(ctx, page)
}

// CaptureFull scroll-captures the whole document and stitches the shots.
func (s *Stitcher) CaptureFull(ctx context.Context, page browser.Page) (image.Image, error) {
	m, err := page.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	return s.captureTo(ctx, page, m, m.TotalHeight)
}

// CaptureForArea scroll-captures only as far down as the selection's bottom
// edge, an optimization for large pages with a selection near the top.
func (s *Stitcher) CaptureForArea(ctx context.Context, page browser.Page, sel store.Selection) (image.Image, error) {
	m, err := page.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	coverTo := int(math.Ceil(sel.Bottom()))
	if coverTo > m.TotalHeight {
		coverTo = m.TotalHeight
	}
	if coverTo < m.ViewportHeight {
		coverTo = m.ViewportHeight
	}
	return s.captureTo(ctx, page, m, coverTo)
}

// captureTo shoots from the document top through coverTo (CSS px) and
// composites the shots top to bottom.
func (s *Stitcher) captureTo(ctx context.Context, page browser.Page, m browser.Metrics, coverTo int) (image.Image, error) {
	if m.ViewportHeight <= 0 {
		return nil, fmt.Errorf("invalid viewport height %d", m.ViewportHeight)
	}
	if coverTo <= m.ViewportHeight {
		// Single shot covers it.
		return s.shoot(ctx, page)
	}

	shotCount := int(math.Ceil(float64(coverTo) / float64(m.ViewportHeight)))
	log.Printf("capture: %d shots for coverTo=%d viewport=%d total=%d", shotCount, coverTo, m.ViewportHeight, m.TotalHeight)

	originalScroll := m.ScrollY
	defer func() {
		// Restore scroll on every exit path, masked like the shot scrolls so
		// the user never sees the jump.
		rctx := context.WithoutCancel(ctx)
		_ = page.ShowMask(rctx)
		_ = page.ScrollTo(rctx, originalScroll)
		s.sleep(s.SettleDelay)
		_ = page.HideMask(rctx)
	}()

	// The last offset is clamped so we never scroll past totalHeight -
	// viewportHeight and capture blank space below the document.
	maxOffset := m.TotalHeight - m.ViewportHeight
	if maxOffset < 0 {
		maxOffset = 0
	}

	shots := make([]image.Image, 0, shotCount)
	prevOffset := 0
	for i := 0; i < shotCount; i++ {
		offset := i * m.ViewportHeight
		clamped := false
		if offset > maxOffset {
			offset = maxOffset
			clamped = true
		}

		if err := page.ShowMask(ctx); err != nil {
			return nil, err
		}
		if err := page.ScrollTo(ctx, offset); err != nil {
			return nil, err
		}
		s.sleep(s.SettleDelay)
		if err := page.HideMask(ctx); err != nil {
			return nil, err
		}
		if err := page.SettleFrames(ctx, settleFrameTick); err != nil {
			return nil, err
		}
		s.sleep(s.SettleDelay)

		shot, err := s.shoot(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("shot %d/%d failed: %w", i+1, shotCount, err)
		}

		if clamped && i > 0 && offset < prevOffset+m.ViewportHeight {
			// Clamping made this shot overlap the previous one; slice the
			// already-captured rows off its top.
			overlapCSS := prevOffset + m.ViewportHeight - offset
			shot = trimTop(shot, overlapCSS, m.ViewportHeight)
		}
		shots = append(shots, shot)
		prevOffset = offset
	}

	return Stitch(shots), nil
}

// shoot snapshots the viewport, retrying only the capture primitive's
// rate-limit condition with backoff. All other failures propagate at once.
func (s *Stitcher) shoot(ctx context.Context, page browser.Page) (image.Image, error) {
	var lastErr error
	for attempt := 0; attempt < maxShotRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(initialBackoff) * (1.5 * float64(attempt)))
			log.Printf("capture: rate limited, retry %d after %v", attempt, delay)
			s.sleep(delay)
		}
		img, err := page.Screenshot(ctx)
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, browser.ErrRateLimited) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("capture failed after %d attempts: %w", maxShotRetries, lastErr)
}

// Stitch composites shots top to bottom onto one canvas. Each shot's actual
// pixel height is used, not the nominal viewport height, so fractional-pixel
// rounding between shots cannot leave gaps or double rows.
func Stitch(shots []image.Image) *image.RGBA {
	if len(shots) == 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}

	width := 0
	height := 0
	for _, shot := range shots {
		b := shot.Bounds()
		if b.Dx() > width {
			width = b.Dx()
		}
		height += b.Dy()
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	y := 0
	for _, shot := range shots {
		b := shot.Bounds()
		dst := image.Rect(0, y, b.Dx(), y+b.Dy())
		draw.Draw(canvas, dst, shot, b.Min, draw.Src)
		y += b.Dy()
	}
	return canvas
}

// Crop extracts the selection from img. The rectangle is in logical CSS
// pixels; dpr scales it into the physical pixels capture primitives return.
func Crop(img image.Image, sel store.Selection, dpr float64) (image.Image, error) {
	if dpr <= 0 {
		dpr = 1
	}
	rect := image.Rect(
		int(math.Round(sel.X*dpr)),
		int(math.Round(sel.Y*dpr)),
		int(math.Round((sel.X+sel.Width)*dpr)),
		int(math.Round((sel.Y+sel.Height)*dpr)),
	)
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("selection %+v lies outside the captured image %v", sel, img.Bounds())
	}

	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out, nil
}

// trimTop drops overlapCSS logical pixels from the shot's top, scaled by the
// shot's own pixel density so the slice stays aligned.
func trimTop(shot image.Image, overlapCSS, viewportCSS int) image.Image {
	b := shot.Bounds()
	if overlapCSS <= 0 || viewportCSS <= 0 {
		return shot
	}
	overlapPx := int(math.Round(float64(overlapCSS) * float64(b.Dy()) / float64(viewportCSS)))
	if overlapPx <= 0 || overlapPx >= b.Dy() {
		return shot
	}
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()-overlapPx))
	draw.Draw(out, out.Bounds(), shot, image.Pt(b.Min.X, b.Min.Y+overlapPx), draw.Src)
	return out
}
