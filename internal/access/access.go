// Package access decides who may start conversations and with whom.
// Everything here is a pure function of a Capability and a roster snapshot.
package access

import "github.com/travelops/internal/model"

// Capability is the acting user's role as far as messaging cares.
type Capability struct {
	UserID  string
	Role    model.Role
	IsAdmin bool
}

func FromProfile(p *model.Profile) Capability {
	return Capability{UserID: p.ID, Role: p.Role, IsAdmin: p.IsAdmin}
}

// HasAdminRights is true for admins and for guides holding admin rights.
func (c Capability) HasAdminRights() bool {
	return c.Role == model.RoleAdmin || c.IsAdmin
}

// IsStaff is true for anyone who is not a plain tourist.
func (c Capability) IsStaff() bool {
	return c.HasAdminRights() || c.Role == model.RoleGuide
}

// CanInitiate reports whether the user may create conversations.
func (c Capability) CanInitiate() bool {
	return c.IsStaff()
}

// NeedsAdminOversight is true for guides without admin rights: their group
// conversations always include every active admin.
func (c Capability) NeedsAdminOversight() bool {
	return c.Role == model.RoleGuide && !c.IsAdmin
}

// Candidates are the tourists and groups a user may target.
type Candidates struct {
	Tourists []model.Profile `json:"tourists"`
	Groups   []model.Group   `json:"groups"`
}

// VisibleGroups returns the groups c may target. Admins see every active
// group; guides see groups of trips they are actively assigned to.
func VisibleGroups(c Capability, r *model.Roster) []model.Group {
	if r == nil {
		return nil
	}
	if c.HasAdminRights() {
		return append([]model.Group(nil), r.Groups...)
	}
	if c.Role != model.RoleGuide {
		return nil
	}
	assigned := make(map[string]struct{}, len(r.Assignments))
	for _, a := range r.Assignments {
		if a.GuideID == c.UserID {
			assigned[a.GroupID] = struct{}{}
		}
	}
	var out []model.Group
	for _, g := range r.Groups {
		if _, ok := assigned[g.ID]; ok {
			out = append(out, g)
		}
	}
	return out
}

// VisibleTourists returns the active tourists c may target. For guides
// that is the members of their visible groups.
func VisibleTourists(c Capability, r *model.Roster) []model.Profile {
	if r == nil {
		return nil
	}
	if c.HasAdminRights() {
		return append([]model.Profile(nil), r.Tourists...)
	}
	if c.Role != model.RoleGuide {
		return nil
	}
	reachable := make(map[string]struct{})
	for _, g := range VisibleGroups(c, r) {
		for _, id := range g.MemberIDs {
			reachable[id] = struct{}{}
		}
	}
	var out []model.Profile
	for _, t := range r.Tourists {
		if _, ok := reachable[t.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}

// CandidatesFor bundles both visibility functions over one snapshot.
func CandidatesFor(c Capability, r *model.Roster) Candidates {
	return Candidates{Tourists: VisibleTourists(c, r), Groups: VisibleGroups(c, r)}
}

// CanSeeTourist reports whether id is among VisibleTourists.
func CanSeeTourist(c Capability, r *model.Roster, id string) bool {
	for _, t := range VisibleTourists(c, r) {
		if t.ID == id {
			return true
		}
	}
	return false
}

// CanSeeGroup reports whether id is among VisibleGroups.
func CanSeeGroup(c Capability, r *model.Roster, id string) bool {
	for _, g := range VisibleGroups(c, r) {
		if g.ID == id {
			return true
		}
	}
	return false
}
