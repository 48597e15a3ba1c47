package models

import (
	"encoding/json"
	"fmt"
)

// EventType tags every record on the push channel. Records are flat JSON
// objects of the form {"type": ..., "chatId": ..., ...}.
type EventType string

const (
	// client -> server
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"

	// server -> client
	EventInit     EventType = "init"
	EventMessage  EventType = "message"
	EventPresence EventType = "presence"
	EventAssigned EventType = "assigned"
	EventStatus   EventType = "status"
	EventDeleted  EventType = "deleted"
	EventRemoved  EventType = "removed"
	EventError    EventType = "error"

	// both directions
	EventTyping EventType = "typing"
)

type Header struct {
	Type   EventType `json:"type"`
	ChatID string    `json:"chatId"`
}

func (h Header) Kind() EventType     { return h.Type }
func (h Header) EventChatID() string { return h.ChatID }

// Event is a server-to-client record.
type Event interface {
	Kind() EventType
	EventChatID() string
}

type InitEvent struct {
	Header
	Chat   *Chat `json:"chat"`
	Admins int   `json:"admins"`
}

type MessageEvent struct {
	Header
	Message Message `json:"message"`
}

type TypingEvent struct {
	Header
	Role   Role `json:"role"`
	Typing bool `json:"typing"`
}

type PresenceEvent struct {
	Header
	Admins int `json:"admins"`
}

type AssignedEvent struct {
	Header
	AssignedAdmin string `json:"assignedAdmin"`
}

type StatusEvent struct {
	Header
	Status ChatStatus `json:"status"`
}

// DeletedEvent reports removal of one message. Index is the position it had
// when it was removed.
type DeletedEvent struct {
	Header
	Index int   `json:"index"`
	Seq   int64 `json:"seq"`
}

// RemovedEvent reports that the whole chat is gone.
type RemovedEvent struct {
	Header
}

type ErrorEvent struct {
	Header
	Error string `json:"error"`
}

func NewInitEvent(chat *Chat, admins int) *InitEvent {
	return &InitEvent{Header: Header{EventInit, chat.ID}, Chat: chat, Admins: admins}
}

func NewMessageEvent(chatID string, msg Message) *MessageEvent {
	return &MessageEvent{Header: Header{EventMessage, chatID}, Message: msg}
}

func NewTypingEvent(chatID string, role Role, typing bool) *TypingEvent {
	return &TypingEvent{Header: Header{EventTyping, chatID}, Role: role, Typing: typing}
}

func NewPresenceEvent(chatID string, admins int) *PresenceEvent {
	return &PresenceEvent{Header: Header{EventPresence, chatID}, Admins: admins}
}

func NewAssignedEvent(chatID, admin string) *AssignedEvent {
	return &AssignedEvent{Header: Header{EventAssigned, chatID}, AssignedAdmin: admin}
}

func NewStatusEvent(chatID string, status ChatStatus) *StatusEvent {
	return &StatusEvent{Header: Header{EventStatus, chatID}, Status: status}
}

func NewDeletedEvent(chatID string, index int, seq int64) *DeletedEvent {
	return &DeletedEvent{Header: Header{EventDeleted, chatID}, Index: index, Seq: seq}
}

func NewRemovedEvent(chatID string) *RemovedEvent {
	return &RemovedEvent{Header: Header{EventRemoved, chatID}}
}

func NewErrorEvent(chatID, msg string) *ErrorEvent {
	return &ErrorEvent{Header: Header{EventError, chatID}, Error: msg}
}

// DecodeEvent turns one server record into its typed variant.
func DecodeEvent(data []byte) (Event, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	var ev Event
	switch h.Type {
	case EventInit:
		ev = &InitEvent{}
	case EventMessage:
		ev = &MessageEvent{}
	case EventTyping:
		ev = &TypingEvent{}
	case EventPresence:
		ev = &PresenceEvent{}
	case EventAssigned:
		ev = &AssignedEvent{}
	case EventStatus:
		ev = &StatusEvent{}
	case EventDeleted:
		ev = &DeletedEvent{}
	case EventRemoved:
		ev = &RemovedEvent{}
	case EventError:
		ev = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", h.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", h.Type, err)
	}
	return ev, nil
}

// ClientMessage is a client-to-server record.
type ClientMessage interface {
	Kind() EventType
	EventChatID() string
}

type SubscribeRequest struct {
	Header
	Role Role `json:"role,omitempty"`
}

type UnsubscribeRequest struct {
	Header
}

type TypingRequest struct {
	Header
	Typing bool `json:"typing"`
}

func NewSubscribeRequest(chatID string, role Role) *SubscribeRequest {
	return &SubscribeRequest{Header: Header{EventSubscribe, chatID}, Role: role}
}

func NewUnsubscribeRequest(chatID string) *UnsubscribeRequest {
	return &UnsubscribeRequest{Header: Header{EventUnsubscribe, chatID}}
}

func NewTypingRequest(chatID string, typing bool) *TypingRequest {
	return &TypingRequest{Header: Header{EventTyping, chatID}, Typing: typing}
}

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode client header: %w", err)
	}
	if h.ChatID == "" {
		return nil, fmt.Errorf("%s: missing chatId", h.Type)
	}

	var msg ClientMessage
	switch h.Type {
	case EventSubscribe:
		msg = &SubscribeRequest{}
	case EventUnsubscribe:
		msg = &UnsubscribeRequest{}
	case EventTyping:
		msg = &TypingRequest{}
	default:
		return nil, fmt.Errorf("unknown client message type %q", h.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.Type, err)
	}
	return msg, nil
}
