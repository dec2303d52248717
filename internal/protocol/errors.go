package protocol

import "time"

// Category groups error codes for clients that only care about the broad class.
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategoryPermission Category = "PERMISSION"
	CategoryAgent      Category = "AGENT"
	CategoryRateLimit  Category = "RATE_LIMIT"
	CategoryInternal   Category = "INTERNAL"
)

// Code is a stable wire error code.
type Code string

const (
	CodeMissingField   Code = "MISSING_FIELD"
	CodeInvalidMessage Code = "INVALID_MESSAGE"

	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeNotFound         Code = "NOT_FOUND"

	CodeAgentTimeout      Code = "AGENT_TIMEOUT"
	CodeAgentDisconnected Code = "AGENT_DISCONNECTED"
	CodeAgentError        Code = "AGENT_ERROR"

	CodeRateLimited Code = "RATE_LIMITED"

	CodeInternal   Code = "INTERNAL_ERROR"
	CodeTaskFailed Code = "TASK_FAILED"
)

// Category returns the class a code belongs to. Unknown codes are INTERNAL.
func (c Code) Category() Category {
	switch c {
	case CodeMissingField, CodeInvalidMessage:
		return CategoryValidation
	case CodePermissionDenied, CodeUnauthorized, CodeNotFound:
		return CategoryPermission
	case CodeAgentTimeout, CodeAgentDisconnected, CodeAgentError:
		return CategoryAgent
	case CodeRateLimited:
		return CategoryRateLimit
	default:
		return CategoryInternal
	}
}

// ErrorMessage is the server->client "error" message.
type ErrorMessage struct {
	Kind      string         `json:"kind"`
	RequestID string         `json:"requestId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Code      Code           `json:"code"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewError builds an error message stamped with the current time in unix millis.
func NewError(code Code, message, requestID string) ErrorMessage {
	return ErrorMessage{
		Kind:      KindError,
		RequestID: requestID,
		Code:      code,
		Category:  code.Category(),
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithTask returns a copy of e tagged with a task id.
func (e ErrorMessage) WithTask(taskID string) ErrorMessage {
	e.TaskID = taskID
	return e
}

// WithDetails returns a copy of e carrying extra structured details.
func (e ErrorMessage) WithDetails(details map[string]any) ErrorMessage {
	e.Details = details
	return e
}

// ValidationError is returned by the decoders when a message is rejected before
// any side effect. RequestID is set when the envelope carried one.
type ValidationError struct {
	Code      Code
	Kind      string
	Field     string
	RequestID string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return string(e.Code) + ": " + e.Kind + "." + e.Field + ": " + e.Reason
	}
	return string(e.Code) + ": " + e.Kind + ": " + e.Reason
}

// Reply converts the validation failure into the wire error for the sender.
func (e *ValidationError) Reply() ErrorMessage {
	msg := NewError(e.Code, e.Reason, e.RequestID)
	if e.Field != "" {
		msg.Details = map[string]any{"field": e.Field}
	}
	return msg
}
