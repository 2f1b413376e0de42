package domain

// Member is a chat member as resolved by the directory.
// CredentialName is the stable identity used with the media relay.
type Member struct {
	ID             MemberID `json:"id" mapstructure:"id"`
	Name           string   `json:"name" mapstructure:"name"`
	CredentialName string   `json:"credentialName,omitempty" mapstructure:"credential_name"`
}

// Identity returns the relay identity for the member.
func (m Member) Identity() string {
	if m.CredentialName != "" {
		return m.CredentialName
	}
	return string(m.ID)
}

// Chat is the conversation a call belongs to.
type Chat struct {
	ID      ChatID   `json:"id"`
	Members []Member `json:"members"`
}

func (c Chat) Has(id MemberID) bool {
	for _, m := range c.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Others returns every member except self.
func (c Chat) Others(self MemberID) []MemberID {
	out := make([]MemberID, 0, len(c.Members))
	for _, m := range c.Members {
		if m.ID != self {
			out = append(out, m.ID)
		}
	}
	return out
}
