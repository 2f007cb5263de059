// Package domain contains persistence models for companies and their members.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type CompanyStatus string

const (
	CompanyStatusPending  CompanyStatus = "PENDING"
	CompanyStatusVerified CompanyStatus = "VERIFIED"
	CompanyStatusDeleted  CompanyStatus = "DELETED"
)

type Role string

const (
	RoleOwner        Role = "OWNER"
	RoleAdmin        Role = "ADMIN"
	RoleManager      Role = "MANAGER"
	RoleCollaborator Role = "COLLABORATOR"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleManager, RoleCollaborator:
		return true
	default:
		return false
	}
}

// Company represents a tenant.
type Company struct {
	ID         snowflake.ID  `gorm:"primaryKey" json:"id"`
	Name       string        `gorm:"type:text;not null" json:"name"`
	Slug       string        `gorm:"type:text;not null;index" json:"slug"`
	TaxID      string        `gorm:"type:text;column:tax_id" json:"tax_id,omitempty"`
	Status     CompanyStatus `gorm:"type:text;not null" json:"status"`
	VerifiedAt *time.Time    `json:"verified_at,omitempty"`
	DeletedAt  *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt  time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time     `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Company) TableName() string { return "companies" }

// Member represents a user acting inside a company.
type Member struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_company_user,priority:1" json:"company_id"`
	UserID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_company_user,priority:2" json:"user_id"`
	Name      string       `gorm:"type:text" json:"name"`
	Email     string       `gorm:"type:text" json:"email"`
	Role      Role         `gorm:"type:text;not null" json:"role"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (Member) TableName() string { return "company_members" }
