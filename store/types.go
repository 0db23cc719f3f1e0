package store

// Mode selects what part of the page a capture covers.
type Mode string

const (
	ModeVisible Mode = "visible"
	ModeFull    Mode = "full"
	ModeArea    Mode = "area"
)

// RequestStatus is the request lifecycle, separate from the capture lifecycle.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
)

// Status is the capture lifecycle (see orchestrator for the state machine).
type Status string

const (
	StatusCapturing  Status = "capturing"
	StatusSelecting  Status = "selecting"
	StatusProcessing Status = "processing"
	StatusAnalyzing  Status = "analyzing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further automatic transition occurs.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// CaptureRequest is one pending capture, produced by a UI trigger and
// consumed exactly once by the orchestrator.
type CaptureRequest struct {
	ID              string        `json:"id"`
	Mode            Mode          `json:"mode"`
	TargetURL       string        `json:"targetUrl"`
	TargetContextID string        `json:"targetContextId,omitempty"`
	Status          RequestStatus `json:"status"`
}

// CaptureState is the current capture's status record. Result and Error are
// mutually exclusive and both empty in all non-terminal states.
type CaptureState struct {
	Status    Status `json:"status"`
	Mode      Mode   `json:"mode"`
	ContextID string `json:"contextId,omitempty"`
	Error     string `json:"error,omitempty"`
	Result    string `json:"result,omitempty"`
	UpdatedAt int64  `json:"updatedAt"` // unix millis, monotonically increasing
}

// StateUpdate is a partial CaptureState. Nil fields are left untouched by
// UpdateState; set fields overwrite. This is the merge-not-replace contract.
type StateUpdate struct {
	Status    *Status
	Mode      *Mode
	ContextID *string
	Error     *string
	Result    *string
}

// Selection is a user-drawn rectangle in document-relative CSS pixels.
type Selection struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Bottom returns the document-relative bottom edge of the rectangle.
func (s Selection) Bottom() float64 { return s.Y + s.Height }

// Key identifies which conceptual store entry a change notification is about.
type Key string

const (
	KeyRequest      Key = "captureRequest"
	KeyState        Key = "currentCapture"
	KeySelection    Key = "areaSelection"
	KeyActiveTarget Key = "activeTargetContext"
)

// Event is delivered to watchers on every store write.
type Event struct {
	Key Key
	// ContextID lets listeners filter changes that pertain to another
	// capture context (set for state changes, empty otherwise).
	ContextID string
}

func statusPtr(s Status) *Status { return &s }

// StatusUpdate is shorthand for an update that only flips the status.
func StatusUpdate(s Status) StateUpdate { return StateUpdate{Status: statusPtr(s)} }
