package models

// Identity is the authenticated caller behind a request or a push connection.
// ChatID is only set for visitors, whose token is scoped to a single chat.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	ChatID string `json:"chatId,omitempty"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// DisplayName is what ends up in assignment and message author fields.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}
