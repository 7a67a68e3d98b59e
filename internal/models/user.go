package models

import (
	"gorm.io/gorm"
)

// User is a local account on this platform.  Accounts are created lazily the
// first time an identity from the upstream identity provider is resolved, so
// a user always has at least one Identity row unless it was soft deleted.
//
// UserName is unique.  Email deliberately is not: the legacy platform never
// enforced email uniqueness and existing data contains duplicates.
type User struct {
	Base
	UserName string   `json:"username" gorm:"" example:"janedoe"`
	Email    string   `json:"email" gorm:"index" example:"jane@example.com"`
	FullName string   `json:"full_name" example:"Jane Doe"`
	Avatar   string   `json:"avatar,omitempty" example:"jane.png"`
	Groups   []*Group `json:"-" gorm:"many2many:user_groups;"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.Groups == nil {
		u.Groups = make([]*Group, 0)
	}
	return u.Base.BeforeCreate(tx)
}

// GroupNames is the flattened form used in API responses.
func (u *User) GroupNames() []string {
	names := make([]string, 0, len(u.Groups))
	for _, g := range u.Groups {
		names = append(names, g.Name)
	}
	return names
}
