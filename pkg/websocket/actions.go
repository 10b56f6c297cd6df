package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Task actions
	ActionTaskList        = "task.list"
	ActionTaskCreate      = "task.create"
	ActionTaskGet         = "task.get"
	ActionTaskCancel      = "task.cancel"
	ActionTaskPause       = "task.pause"
	ActionTaskResume      = "task.resume"
	ActionTaskInstruction = "task.instruction"
	ActionTaskTodos       = "task.todos"
	ActionTaskChildren    = "task.children"

	// Interaction actions
	ActionInteractionRespond = "interaction.respond"
	ActionInteractionPending = "interaction.pending"

	// Event log actions
	ActionEventsSince = "events.since"

	// Subscription actions
	ActionTaskSubscribe   = "task.subscribe"
	ActionTaskUnsubscribe = "task.unsubscribe"

	// Notification actions (server -> client)
	ActionTaskEvent   = "task.event"
	ActionTaskUpdated = "task.updated"
	ActionUIEvent     = "ui.event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
