// Package store is the shared capture state store: the single source of
// truth coordinating the popup CLI, the orchestrator, and driven pages.
// Every write fans out a change notification to all registered watchers;
// a write with no watchers is a no-op success, never an error.
package store

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	request      *CaptureRequest
	state        *CaptureState
	selection    *Selection
	selectionSet bool // distinguishes explicit nil (cancel) from absent
	activeTarget string

	watchers map[int]chan Event
	nextID   int

	persist persister
}

// persister saves and restores store snapshots. Implemented by the sqlite
// layer; nil means in-memory only.
type persister interface {
	save(snap snapshot)
	load() (snapshot, bool)
	close()
}

type snapshot struct {
	Request      *CaptureRequest `json:"request,omitempty"`
	State        *CaptureState   `json:"state,omitempty"`
	Selection    *Selection      `json:"selection,omitempty"`
	SelectionSet bool            `json:"selectionSet,omitempty"`
	ActiveTarget string          `json:"activeTarget,omitempty"`
}

// New creates an in-memory store.
func New() *Store {
	return &Store{watchers: make(map[int]chan Event)}
}

// Close releases the persistence layer, if any.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist != nil {
		s.persist.close()
		s.persist = nil
	}
}

// Watch registers a change listener. Events are delivered best-effort: a
// full listener channel drops the event rather than blocking the writer.
// The returned func unregisters the listener.
func (s *Store) Watch(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, buffer)
	s.watchers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
		s.mu.Unlock()
	}
}

// notifyLocked fans an event out to every watcher. Callers hold s.mu.
func (s *Store) notifyLocked(ev Event) {
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			// Listener is not keeping up; dropping is fine because every
			// consumer re-reads the store before acting.
		}
	}
}

func (s *Store) saveLocked() {
	if s.persist == nil {
		return
	}
	s.persist.save(snapshot{
		Request:      s.request,
		State:        s.state,
		Selection:    s.selection,
		SelectionSet: s.selectionSet,
		ActiveTarget: s.activeTarget,
	})
}

// Enqueue stores a new pending request and returns its id. A still-unconsumed
// earlier request is overwritten (last-write-wins); callers are expected to
// poll status before re-enqueuing.
func (s *Store) Enqueue(req CaptureRequest) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = RequestPending

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.request != nil {
		log.Printf("store: overwriting unconsumed request %s with %s", s.request.ID, req.ID)
	}
	s.request = &req
	s.saveLocked()
	s.notifyLocked(Event{Key: KeyRequest})
	return req.ID
}

// Dequeue atomically claims the pending request: it flips pending to
// processing, removes the record, and hands the claimed copy to the caller.
// Returns nil when nothing is pending or the request was already claimed.
func (s *Store) Dequeue() *CaptureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.request == nil || s.request.Status != RequestPending {
		return nil
	}
	claimed := *s.request
	claimed.Status = RequestProcessing
	s.request = nil
	s.saveLocked()
	s.notifyLocked(Event{Key: KeyRequest})
	return &claimed
}

// PutState replaces the capture state wholesale. Used when a brand-new
// capture starts, so leftover fields from a superseded capture cannot leak
// into the new record.
func (s *Store) PutState(state CaptureState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = s.nextTimestampLocked()
	s.state = &state
	s.saveLocked()
	s.notifyLocked(Event{Key: KeyState, ContextID: state.ContextID})
}

// UpdateState shallow-merges a partial update into the current state and
// stamps a fresh monotonic timestamp. Unset fields are left alone so partial
// progress updates from independent steps don't clobber unrelated fields.
func (s *Store) UpdateState(update StateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := CaptureState{}
	if s.state != nil {
		cur = *s.state
	}
	// A terminal status is consumed by Reset or replaced by PutState, never
	// transitioned: a drag finishing just after a cancel must not merge
	// processing (or a late result) over the cancelled record.
	if cur.Status.IsTerminal() && update.Status != nil && *update.Status != cur.Status {
		log.Printf("store: ignoring %s update over terminal %s", *update.Status, cur.Status)
		return
	}
	if update.Status != nil {
		cur.Status = *update.Status
	}
	if update.Mode != nil {
		cur.Mode = *update.Mode
	}
	if update.ContextID != nil {
		cur.ContextID = *update.ContextID
	}
	if update.Error != nil {
		cur.Error = *update.Error
	}
	if update.Result != nil {
		cur.Result = *update.Result
	}
	cur.UpdatedAt = s.nextTimestampLocked()
	s.state = &cur
	s.saveLocked()
	s.notifyLocked(Event{Key: KeyState, ContextID: cur.ContextID})
}

func (s *Store) nextTimestampLocked() int64 {
	ts := time.Now().UnixMilli()
	if s.state != nil && ts <= s.state.UpdatedAt {
		ts = s.state.UpdatedAt + 1
	}
	return ts
}

// GetState returns a copy of the current capture state, or nil when idle.
func (s *Store) GetState() *CaptureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	cp := *s.state
	return &cp
}

// Reset clears the request, the state, and any unconsumed selection.
// Called by whichever UI consumed a terminal state, and by the poller on
// timeout; nothing from the finished capture may leak into the next one.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = nil
	s.state = nil
	s.selection = nil
	s.selectionSet = false
	s.activeTarget = ""
	s.saveLocked()
	s.notifyLocked(Event{Key: KeyState})
}

// Cancel requests cooperative cancellation of the in-flight capture.
func (s *Store) Cancel() {
	s.UpdateState(StatusUpdate(StatusCancelled))
}

// SetSelection records the user-drawn rectangle. A nil selection is an
// explicit cancel (Escape key or too-small drag), distinct from "not yet
// selected" which is the absence of any record.
func (s *Store) SetSelection(sel *Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = sel
	s.selectionSet = true
	s.saveLocked()
	s.notifyLocked(Event{Key: KeySelection})
}

// TakeSelection atomically reads and clears the selection together with the
// active-target marker. The second return is false when no selection record
// exists; a (nil, true) return is an explicit user cancel.
func (s *Store) TakeSelection() (*Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.selectionSet {
		return nil, false
	}
	sel := s.selection
	s.selection = nil
	s.selectionSet = false
	s.activeTarget = ""
	s.saveLocked()
	s.notifyLocked(Event{Key: KeySelection})
	return sel, true
}

// SetActiveTarget marks which page context the pending area selection is for.
func (s *Store) SetActiveTarget(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTarget = contextID
	s.saveLocked()
	s.notifyLocked(Event{Key: KeyActiveTarget})
}

// ActiveTarget returns the page context the selector is currently attached to.
func (s *Store) ActiveTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTarget
}
