package domain

// WebhookPayload is the body LINE posts to the webhook endpoint.
type WebhookPayload struct {
	Destination string  `json:"destination,omitempty"`
	Events      []Event `json:"events"`
}

// Event is a single webhook event. Only the fields the relay reads are decoded.
type Event struct {
	Type       string        `json:"type"`
	ReplyToken string        `json:"replyToken"`
	Source     *EventSource  `json:"source"`
	Message    *EventMessage `json:"message"`
}

type EventSource struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type EventMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// UserID returns the source user id, or "" when the event carries none.
func (e Event) UserID() string {
	if e.Source == nil {
		return ""
	}
	return e.Source.UserID
}

// IsText reports whether the event carries a text message with exactly the given body.
func (e Event) IsText(text string) bool {
	return e.Message != nil && e.Message.Type == "text" && e.Message.Text == text
}

// PushRequest is the body an external caller sends together with the t-token header.
type PushRequest struct {
	Message string `json:"message" validate:"required"`
}
