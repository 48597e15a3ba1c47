package models

import (
	"time"
)

type ChatStatus string

const (
	StatusOpen   ChatStatus = "open"
	StatusClosed ChatStatus = "closed"
)

func (s ChatStatus) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Chat is one support conversation between a visitor and the admin team.
// Messages is append-only in server-received order; the only removal is an
// explicit admin delete of a single entry.
type Chat struct {
	ID             string     `json:"id"`
	VisitorName    string     `json:"visitorName"`
	Email          string     `json:"email,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	Status         ChatStatus `json:"status"`
	AssignedAdmin  string     `json:"assignedAdmin,omitempty"`
	Unread         bool       `json:"unread"`
	NextSeq        int64      `json:"nextSeq"`
	Messages       []Message  `json:"messages"`
}

// ChatSummary is what the chat list renders: no message bodies beyond the
// last one.
type ChatSummary struct {
	ID             string     `json:"id"`
	VisitorName    string     `json:"visitorName"`
	Email          string     `json:"email,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	Status         ChatStatus `json:"status"`
	AssignedAdmin  string     `json:"assignedAdmin,omitempty"`
	Unread         bool       `json:"unread"`
	MessageCount   int        `json:"messageCount"`
	LastMessage    *Message   `json:"lastMessage,omitempty"`
}

func (c *Chat) Summary() ChatSummary {
	s := ChatSummary{
		ID:             c.ID,
		VisitorName:    c.VisitorName,
		Email:          c.Email,
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.LastActivityAt,
		Status:         c.Status,
		AssignedAdmin:  c.AssignedAdmin,
		Unread:         c.Unread,
		MessageCount:   len(c.Messages),
	}
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		s.LastMessage = &last
	}
	return s
}

// Clone returns a deep copy so callers can hand the chat out without sharing
// the message slice with the store.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	return &cp
}

type SortOrder string

const (
	SortByActivity SortOrder = "activity"
	SortByCreated  SortOrder = "created"
)

type ChatFilter struct {
	Status        ChatStatus
	AssignedAdmin string
	UnreadOnly    bool
	Sort          SortOrder
}

func (f ChatFilter) Match(c *Chat) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.AssignedAdmin != "" && c.AssignedAdmin != f.AssignedAdmin {
		return false
	}
	if f.UnreadOnly && !c.Unread {
		return false
	}
	return true
}
