package model

import "time"

// Instruction identifies the kind of out-of-band message a worker can
// receive for a running job. Abort is the only instruction in the current
// wire contract; the type exists so new instructions can be added without
// changing the Message shape.
type Instruction string

// Abort requests that the worker holding the named token cancel its job.
const Abort Instruction = "abort"

// Message is a single queued instruction addressed to the worker that
// currently holds the lock on Token.
type Message struct {
	Token       string     `json:"token"`
	Instruction Instruction `json:"instruction"`
	Origin      string     `json:"origin"`
	Content     string     `json:"content"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the message has a deadline and it has passed.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}
