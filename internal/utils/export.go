package utils

import (
	"fmt"
	"strings"
	"time"

	"SupportChat/server/internal/models"
)

const transcriptTimeLayout = "2006-01-02 15:04:05"

// RenderTranscript renders the whole message log as plain text, one line per
// message in log order.
func RenderTranscript(chat *models.Chat) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Chat %s\n", chat.ID)
	fmt.Fprintf(&b, "Visitor: %s", chat.VisitorName)
	if chat.Email != "" {
		fmt.Fprintf(&b, " <%s>", chat.Email)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Started: %s UTC\n", chat.CreatedAt.UTC().Format(transcriptTimeLayout))
	fmt.Fprintf(&b, "Status: %s\n", chat.Status)
	if chat.AssignedAdmin != "" {
		fmt.Fprintf(&b, "Assigned to: %s\n", chat.AssignedAdmin)
	}
	b.WriteString("\n")

	for _, msg := range chat.Messages {
		fmt.Fprintf(&b, "[%s] %s (%s): %s\n",
			msg.At.UTC().Format(transcriptTimeLayout),
			authorOf(chat, msg),
			msg.From,
			indentContinuation(msg.Text))
	}
	return b.String()
}

func authorOf(chat *models.Chat, msg models.Message) string {
	if msg.Author != "" {
		return msg.Author
	}
	if msg.From == models.RoleUser {
		return chat.VisitorName
	}
	return "Support"
}

// indentContinuation keeps multi-line messages visually attached to their
// header line.
func indentContinuation(text string) string {
	return strings.ReplaceAll(text, "\n", "\n    ")
}

// TranscriptFilename is the download name offered for an export.
func TranscriptFilename(chatID string, now time.Time) string {
	return fmt.Sprintf("chat-%s-%s.txt", chatID, now.UTC().Format("20060102-150405"))
}
