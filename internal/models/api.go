package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates the request produced a queued email.
	APIStatusQueued APIStatus = "queued"
	// APIStatusAccepted indicates a best-effort notification was handed off.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Queued creates a response for an accepted enqueue request.
func Queued(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusQueued), Result: result}
}

// Accepted creates a response for a best-effort notification. Delivery
// problems are not reported back to the caller.
func Accepted() APIResponse {
	return APIResponse{Status: string(APIStatusAccepted)}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
