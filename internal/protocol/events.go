package protocol

import "time"

// ConnectedEvent confirms registration to a new connection.
type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId,omitempty"`
}

// MembershipEvent is sent for user_joined, user_left, session_joined and
// session_left.
type MembershipEvent struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

// MessageEvent carries a chat message. Role is "user" for the immediate
// echo to other members and "assistant" for AI responses.
type MessageEvent struct {
	MessageID     string    `json:"messageId"`
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	Confidence    *float64  `json:"confidence,omitempty"`
	WasFiltered   bool      `json:"wasFiltered,omitempty"`
	FilterReasons []string  `json:"filterReasons,omitempty"`
	IsEducational bool      `json:"isEducational,omitempty"`
	Sources       []string  `json:"sources,omitempty"`
}

// MessageSentEvent acknowledges a send_message to its sender.
type MessageSentEvent struct {
	MessageID string    `json:"messageId"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingEvent is sent for typing and stop_typing.
type TypingEvent struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// DeliveryConfirmationEvent tells a sender who is no longer in the session
// that the response to their message was delivered.
type DeliveryConfirmationEvent struct {
	MessageID  string    `json:"messageId"`
	SessionID  string    `json:"sessionId"`
	Recipients int       `json:"recipients"`
	Timestamp  time.Time `json:"timestamp"`
}
