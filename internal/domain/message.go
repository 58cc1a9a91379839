package domain

import "time"

// Role constants for conversation turns and message events.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// QueuedMessage is a user message waiting for AI processing.
// MessageID is the idempotency key; SessionID is the partition key.
type QueuedMessage struct {
	MessageID    string    `json:"messageId"`
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId,omitempty"` // sender, for delivery confirmation
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	RetryCount   int       `json:"retryCount"`
	Priority     int       `json:"priority"`
	LastError    string    `json:"lastError,omitempty"`
}

// ProcessedMessage is the output of AI generation for one QueuedMessage.
type ProcessedMessage struct {
	MessageID        string            `json:"messageId"`
	SessionID        string            `json:"sessionId"`
	UserID           string            `json:"userId"`
	ConnectionID     string            `json:"connectionId,omitempty"`
	GeneratedContent string            `json:"generatedContent"`
	Confidence       float64           `json:"confidence"`
	ProcessingTime   time.Duration     `json:"processingTime"`
	Sources          []string          `json:"sources,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// FilteredResponse is the result of running a ProcessedMessage through the
// response quality filter. It is derived and never persisted.
type FilteredResponse struct {
	Content       string   `json:"content"`
	Confidence    float64  `json:"confidence"`
	WasFiltered   bool     `json:"wasFiltered"`
	FilterReasons []string `json:"filterReasons,omitempty"`
	IsEducational bool     `json:"isEducational"`
}

// DeadLetter is a message that exhausted its retry budget. Dead letters are
// terminal and never replayed automatically.
type DeadLetter struct {
	Message         QueuedMessage `json:"message"`
	FailureReason   string        `json:"failureReason"`
	FailedAt        time.Time     `json:"failedAt"`
	FinalRetryCount int           `json:"finalRetryCount"`
}

// Turn is a single entry in a session's conversation memory.
type Turn struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
