package messaging

import (
	"fmt"
	"strings"

	"github.com/travelops/internal/model"
)

// Title is what the directory shows for a conversation. Direct
// conversations have no stored title and show the counterpart's name.
func Title(viewerID string, conv model.Conversation, parts []model.Participant) string {
	if conv.Type == model.ConversationDirect {
		if p := counterpart(viewerID, parts); p != nil {
			return p.FullName
		}
		return "Direct message"
	}
	if conv.Title != "" {
		return conv.Title
	}
	if conv.Type == model.ConversationBroadcast {
		return "Announcement"
	}
	return "Group"
}

// Subtitle is the second directory line. Direct conversations get a role
// label phrased for the viewer: staff see the plain role, tourists see
// who the person is to them.
func Subtitle(viewer model.Role, viewerID string, conv model.Conversation, parts []model.Participant) string {
	switch conv.Type {
	case model.ConversationDirect:
		p := counterpart(viewerID, parts)
		if p == nil {
			return ""
		}
		if viewer == model.RoleTourist {
			return touristLabel(p.Role)
		}
		return staffLabel(p.Role)
	case model.ConversationBroadcast:
		return fmt.Sprintf("Announcement · %s", plural(len(parts)-1, "recipient"))
	}
	var tourists, guides int
	for _, p := range parts {
		if p.Profile == nil {
			continue
		}
		switch p.Profile.Role {
		case model.RoleTourist:
			tourists++
		case model.RoleGuide:
			guides++
		}
	}
	if tourists == 0 && guides == 0 {
		return plural(len(parts), "participant")
	}
	return plural(tourists, "tourist") + " + " + plural(guides, "guide")
}

func counterpart(viewerID string, parts []model.Participant) *model.ProfileRef {
	for _, p := range parts {
		if p.UserID != viewerID && p.Profile != nil {
			return p.Profile
		}
	}
	return nil
}

func staffLabel(r model.Role) string {
	switch r {
	case model.RoleAdmin:
		return "Administrator"
	case model.RoleGuide:
		return "Guide"
	default:
		return "Tourist"
	}
}

func touristLabel(r model.Role) string {
	switch r {
	case model.RoleAdmin:
		return "Travel agency"
	case model.RoleGuide:
		return "Your guide"
	default:
		return "Fellow traveller"
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// matches reports whether term is a case-insensitive substring of the
// summary's title or subtitle.
func matches(s model.ConversationSummary, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s.Title), term) ||
		strings.Contains(strings.ToLower(s.Subtitle), term)
}

// Filter returns the summaries matching term; an empty term keeps all.
func Filter(list []model.ConversationSummary, term string) []model.ConversationSummary {
	out := []model.ConversationSummary{}
	for _, s := range list {
		if matches(s, term) {
			out = append(out, s)
		}
	}
	return out
}
