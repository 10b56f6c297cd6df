// Package interaction defines the user interaction protocol: structured
// requests the runtime raises when an agent needs a user decision, and the
// responses that resolve them.
package interaction

// Kind identifies the interaction widget the UI should render.
type Kind string

const (
	KindSelect    Kind = "select"
	KindConfirm   Kind = "confirm"
	KindInput     Kind = "input"
	KindComposite Kind = "composite"
)

// Purpose identifies why the interaction was raised.
type Purpose string

const (
	PurposeChooseStrategy     Purpose = "choose_strategy"
	PurposeRequestInfo        Purpose = "request_info"
	PurposeConfirmRiskyAction Purpose = "confirm_risky_action"
	PurposeAssignSubtask      Purpose = "assign_subtask"
	PurposeGeneric            Purpose = "generic"
)

// Option styles understood by the UI.
const (
	OptionStylePrimary = "primary"
	OptionStyleDanger  = "danger"
)

// Well-known option IDs for risky-action confirmations.
const (
	OptionApprove = "approve"
	OptionReject  = "reject"
)

// MetadataToolCallID is the display metadata key binding a confirmation
// interaction to one specific tool call.
const MetadataToolCallID = "toolCallId"

// Display holds the user-facing presentation of an interaction.
type Display struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Content     string            `json:"content,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Option is a selectable choice.
type Option struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Style     string `json:"style,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// Validation constrains free-form input.
type Validation struct {
	Regex    string `json:"regex,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Request is a pending interaction raised towards the user.
type Request struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	Purpose    Purpose     `json:"purpose"`
	Display    Display     `json:"display"`
	Options    []Option    `json:"options,omitempty"`
	Validation *Validation `json:"validation,omitempty"`
}

// Response resolves a pending interaction.
type Response struct {
	InteractionID    string `json:"interaction_id"`
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	InputValue       string `json:"input_value,omitempty"`
	Comment          string `json:"comment,omitempty"`
}

// ToolCallID returns the tool call this interaction is bound to, if any.
func (r *Request) ToolCallID() string {
	if r.Display.Metadata == nil {
		return ""
	}
	return r.Display.Metadata[MetadataToolCallID]
}

// IsApproval reports whether the response approves a risky-action confirmation.
func (r *Response) IsApproval() bool {
	return r.SelectedOptionID == OptionApprove
}

// IsRejection reports whether the response rejects a risky-action confirmation.
func (r *Response) IsRejection() bool {
	return r.SelectedOptionID == OptionReject
}

// NewRiskyActionConfirm builds the standard confirmation request for a risky
// tool call. The tool call id is pinned in display metadata so the approval
// authorises exactly one call.
func NewRiskyActionConfirm(interactionID, toolName, toolCallID, detail string) *Request {
	return &Request{
		ID:      interactionID,
		Kind:    KindConfirm,
		Purpose: PurposeConfirmRiskyAction,
		Display: Display{
			Title:       "Confirm " + toolName,
			Description: "The agent wants to run a tool that can modify your system.",
			Content:     detail,
			Metadata:    map[string]string{MetadataToolCallID: toolCallID},
		},
		Options: []Option{
			{ID: OptionApprove, Label: "Approve", Style: OptionStylePrimary},
			{ID: OptionReject, Label: "Reject", Style: OptionStyleDanger, IsDefault: true},
		},
	}
}
