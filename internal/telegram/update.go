package telegram

import "strconv"

// Update is the inbound webhook payload from the bot platform, reduced to
// the fields the relay reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an inbound chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the message sender.
type User struct {
	FirstName string `json:"first_name"`
}

// ChatID returns the chat identifier as the string form used for
// allow-list comparison and reply addressing.
func (m *Message) ChatID() string {
	return strconv.FormatInt(m.Chat.ID, 10)
}

// SenderName returns the sender's first name, if present.
func (m *Message) SenderName() string {
	if m.From == nil {
		return ""
	}
	return m.From.FirstName
}
