package models

// Group is a named permission-bearing label.  Groups are created on demand
// when a role name is first seen in an upstream identity payload.
type Group struct {
	Base
	Name  string  `json:"name" gorm:"" example:"subscriber"`
	Users []*User `json:"-" gorm:"many2many:user_groups;"`
}
