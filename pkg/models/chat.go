package models

import "time"

// Chat is a conversation owned by exactly one user.
type Chat struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OwnedBy reports whether userID owns the chat.
func (c *Chat) OwnedBy(userID string) bool {
	return c != nil && userID != "" && c.OwnerID == userID
}

// Vote is a user's rating of an assistant message.
type Vote struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	IsUpvoted bool   `json:"isUpvoted"`
}
