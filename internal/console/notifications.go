package console

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"SupportChat/server/internal/models"
)

const defaultNotifyCacheSize = 512

// Notification is one toast about a visitor message.
type Notification struct {
	ChatID      string
	VisitorName string
	Text        string
	At          time.Time
}

// Notifier shows a toast per visitor message. The same message can reach
// the console both as a push event and through a list refresh, so each one
// is keyed by chat and timestamp and shown once.
type Notifier struct {
	seen *lru.Cache[string, struct{}]
	show func(Notification)
}

func NewNotifier(size int, show func(Notification)) (*Notifier, error) {
	if size <= 0 {
		size = defaultNotifyCacheSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Notifier{seen: seen, show: show}, nil
}

func notificationKey(chatID string, at time.Time) string {
	return chatID + "|" + at.UTC().Format(time.RFC3339Nano)
}

// Offer reports whether a toast was shown for msg.
func (n *Notifier) Offer(chatID, visitorName string, msg models.Message) bool {
	if msg.From != models.RoleUser {
		return false
	}
	if seen, _ := n.seen.ContainsOrAdd(notificationKey(chatID, msg.At), struct{}{}); seen {
		return false
	}
	if n.show != nil {
		n.show(Notification{ChatID: chatID, VisitorName: visitorName, Text: msg.Text, At: msg.At})
	}
	return true
}
