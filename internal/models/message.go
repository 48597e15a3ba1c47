package models

import (
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type Message struct {
	Seq    int64     `json:"seq"`
	From   Role      `json:"from"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
	Author string    `json:"author,omitempty"`
}
