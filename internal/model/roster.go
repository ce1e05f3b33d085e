package model

// Group is a set of tourists travelling together.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	IsActive  bool     `json:"is_active"`
	MemberIDs []string `json:"member_ids"`
}

// Assignment links a guide to the group of a trip they are assigned to.
type Assignment struct {
	GuideID string `json:"guide_id"`
	TripID  string `json:"trip_id"`
	GroupID string `json:"group_id"`
}

// Roster is a point-in-time snapshot of everything needed to scope
// candidates for a new conversation. Only active records are included.
type Roster struct {
	Tourists    []Profile    `json:"tourists"`
	Admins      []Profile    `json:"admins"`
	Groups      []Group      `json:"groups"`
	Assignments []Assignment `json:"assignments"`
}
