package model

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleGuide   Role = "guide"
	RoleTourist Role = "tourist"
)

type Profile struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	IsAdmin   bool      `json:"is_admin"` // a guide may also hold admin rights
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileRef is the denormalized display part of a profile.
type ProfileRef struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

func (p *Profile) Ref() ProfileRef {
	return ProfileRef{ID: p.ID, FullName: p.FullName, Role: p.Role}
}
