// Package orchestrator drives a capture request through its lifecycle:
// it consumes requests from the shared store, runs the capture/stitch
// pipeline, invokes the AI gateway, and transitions the capture status
// through a fixed state machine. All cross-context coordination goes
// through the store; the orchestrator keeps only its own busy flag.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"page-capture-llm/browser"
	"page-capture-llm/capture"
	"page-capture-llm/gateway"
	"page-capture-llm/messages"
	"page-capture-llm/render"
	"page-capture-llm/router"
	"page-capture-llm/store"
)

// PageResolver finds the capture target for a request. An empty context id
// resolves to the currently active page.
type PageResolver interface {
	Resolve(ctx context.Context, contextID string) (browser.Page, error)
}

// AIGateway is the slice of the gateway the pipeline needs.
type AIGateway interface {
	DescribeImage(ctx context.Context, png []byte, onProgress gateway.ProgressFunc) (string, error)
	AnalyzeText(ctx context.Context, text string, onProgress gateway.ProgressFunc) (string, error)
	AskFollowUp(ctx context.Context, question string, history []messages.Turn, onProgress gateway.ProgressFunc) (string, error)
}

type Options struct {
	Store    *store.Store
	Pages    PageResolver
	Router   *router.Router
	Gateway  AIGateway
	Stitcher *capture.Stitcher

	// SettleDelay is the fixed wait after selector injection before the
	// readiness probe.
	SettleDelay time.Duration
	// SelectionTimeout bounds how long a written selection may stay
	// unconsumed before the area flow gives up.
	SelectionTimeout time.Duration
}

type Orchestrator struct {
	st       *store.Store
	pages    PageResolver
	rt       *router.Router
	gw       AIGateway
	stitcher *capture.Stitcher

	settleDelay      time.Duration
	selectionTimeout time.Duration

	mu   sync.Mutex
	busy bool

	pool *pool
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		st:               opts.Store,
		pages:            opts.Pages,
		rt:               opts.Router,
		gw:               opts.Gateway,
		stitcher:         opts.Stitcher,
		settleDelay:      opts.SettleDelay,
		selectionTimeout: opts.SelectionTimeout,
		pool:             newPool(),
	}
	if o.stitcher == nil {
		o.stitcher = capture.New(0)
	}
	if o.settleDelay <= 0 {
		o.settleDelay = 150 * time.Millisecond
	}
	if o.selectionTimeout <= 0 {
		o.selectionTimeout = 2 * time.Minute
	}
	return o
}

// Run processes store events and cross-context messages until ctx is
// cancelled. It drains any request that was already pending when it starts,
// so a restarted worker picks up where the old one stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	events, stop := o.st.Watch(32)
	defer stop()
	inbox := o.rt.Register(messages.ContextOrchestrator, 16)
	defer o.pool.close()

	o.drainQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Key {
			case store.KeyRequest:
				o.drainQueue(ctx)
			case store.KeyState:
				// A terminal status independently resets the busy flag, so a
				// worker restart can never leave it wedged. A request that
				// arrived while busy is picked up here.
				if st := o.st.GetState(); st != nil && st.Status.IsTerminal() {
					o.clearBusy()
					o.drainQueue(ctx)
				}
			}
		case env, ok := <-inbox:
			if !ok {
				return nil
			}
			o.handleMessage(ctx, env)
		}
	}
}

// drainQueue claims the pending request unless a capture is already active.
// Rapid repeated store events while busy are ignored, not queued twice.
func (o *Orchestrator) drainQueue(ctx context.Context) {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		log.Printf("orchestrator: busy, ignoring queue drain")
		return
	}
	req := o.st.Dequeue()
	if req == nil {
		o.mu.Unlock()
		return
	}
	o.busy = true
	o.mu.Unlock()

	log.Printf("orchestrator: claimed request %s mode=%s target=%s", req.ID, req.Mode, req.TargetURL)
	submitted := o.pool.submit(func() {
		defer func() {
			o.clearBusy()
			// A request enqueued while this capture ran is waiting by now.
			o.drainQueue(ctx)
		}()
		o.runPipeline(ctx, req)
	})
	if !submitted {
		o.clearBusy()
	}
}

func (o *Orchestrator) clearBusy() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

// Busy reports whether a capture is currently active. Exposed for tests.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

func (o *Orchestrator) handleMessage(ctx context.Context, env messages.Envelope) {
	switch msg := env.Message.(type) {
	case messages.Ping:
		select {
		case msg.Ack <- struct{}{}:
		default:
		}
	case messages.CancelCapture:
		log.Printf("orchestrator: cancel requested by %s", env.From)
		o.st.Cancel()
	case messages.FollowUpQuestion:
		// Follow-ups run off the loop so a slow backend cannot block
		// cancel handling.
		go o.answerFollowUp(ctx, env.From, msg)
	case messages.ToggleFloatingControl:
		// Presentation concern: forward to every page context.
		o.rt.Send(messages.Envelope{
			From:    messages.ContextOrchestrator,
			To:      messages.Broadcast,
			Message: msg,
		})
	default:
		log.Printf("orchestrator: ignoring %s from %s", env.Message.Type(), env.From)
	}
}

func (o *Orchestrator) answerFollowUp(ctx context.Context, from string, msg messages.FollowUpQuestion) {
	answer, err := o.gw.AskFollowUp(ctx, msg.Question, msg.History, o.progressFunc("follow-up"))
	if err != nil {
		log.Printf("orchestrator: follow-up failed: %v", err)
		o.rt.Send(messages.Envelope{
			From:    messages.ContextOrchestrator,
			To:      from,
			Message: messages.ShowResult{Result: "The follow-up question failed: " + userMessage(err)},
		})
		return
	}
	markup, err := render.HTML(answer)
	if err != nil {
		markup = answer
	}
	o.rt.Send(messages.Envelope{
		From:    messages.ContextOrchestrator,
		To:      from,
		Message: messages.ShowResult{Result: markup},
	})
}

// progressFunc adapts gateway streaming progress into UpdateProgress
// broadcasts. UI feedback only; results always travel through the store.
func (o *Orchestrator) progressFunc(step string) gateway.ProgressFunc {
	return func(chunk string, total int) {
		o.rt.Send(messages.Envelope{
			From:    messages.ContextOrchestrator,
			To:      messages.Broadcast,
			Message: messages.UpdateProgress{Step: step, Status: "streaming", Stats: byteStats(total)},
		})
	}
}
