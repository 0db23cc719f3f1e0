// Package messages defines the cross-context message verbs exchanged
// between the popup CLI, the orchestrator, and page-bound helpers. All
// verbs are fire-and-forget except Ping, which carries an ack channel.
package messages

// Message is the base interface for all cross-context messages.
type Message interface {
	Type() string
}

const (
	TypePing                  = "ping"
	TypeCancelCapture         = "cancelCapture"
	TypeFollowUpQuestion      = "followUpQuestion"
	TypeShowResult            = "showResult"
	TypeShowProgress          = "showProgress"
	TypeUpdateProgress        = "updateProgress"
	TypeHideProgress          = "hideProgress"
	TypeToggleFloatingControl = "toggleFloatingControl"
)

// Ping is a liveness probe. The receiver sends one value on Ack.
type Ping struct {
	Ack chan struct{}
}

func (m Ping) Type() string { return TypePing }

// CancelCapture asks the orchestrator to cancel the in-flight capture at
// its next checkpoint.
type CancelCapture struct{}

func (m CancelCapture) Type() string { return TypeCancelCapture }

// Turn is one prior exchange in a follow-up conversation.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// FollowUpQuestion carries a question plus prior turns to the text backend.
type FollowUpQuestion struct {
	Question string
	History  []Turn
}

func (m FollowUpQuestion) Type() string { return TypeFollowUpQuestion }

// ShowResult delivers rendered result markup to a presentation context.
type ShowResult struct {
	Result string
}

func (m ShowResult) Type() string { return TypeShowResult }

// ShowProgress tells a presentation context to display its progress surface.
type ShowProgress struct{}

func (m ShowProgress) Type() string { return TypeShowProgress }

// UpdateProgress reports pipeline progress for UI feedback only; the final
// result always travels through the store, never through progress events.
type UpdateProgress struct {
	Step    string
	Percent int
	Status  string
	Stats   string
}

func (m UpdateProgress) Type() string { return TypeUpdateProgress }

// HideProgress tells a presentation context to tear down its progress surface.
type HideProgress struct{}

func (m HideProgress) Type() string { return TypeHideProgress }

// ToggleFloatingControl enables or disables the on-page floating control.
type ToggleFloatingControl struct {
	Enabled bool
}

func (m ToggleFloatingControl) Type() string { return TypeToggleFloatingControl }

// Envelope wraps a message with routing metadata.
type Envelope struct {
	From    string
	To      string // "*" broadcasts to every registered context except From
	Message Message
}

// Well-known context names.
const (
	ContextOrchestrator = "orchestrator"
	ContextPopup        = "popup"
	ContextCLI          = "cli"
	Broadcast           = "*"
)
