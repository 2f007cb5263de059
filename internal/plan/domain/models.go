package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Plan is a subscription tier. Costs are expressed in credits.
type Plan struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	Slug             string       `gorm:"type:text;not null;uniqueIndex:ux_plans_slug" json:"slug"`
	Name             string       `gorm:"type:text;not null" json:"name"`
	MonthlyCost      int64        `gorm:"not null" json:"monthly_cost"`
	AnalysisCost     int64        `gorm:"not null" json:"analysis_cost"`
	WelcomeBonus     int64        `gorm:"not null;default:0" json:"welcome_bonus"`
	SeatLimit        int          `gorm:"not null;default:0" json:"seat_limit"`
	WorkflowTemplate string       `gorm:"type:text" json:"workflow_template,omitempty"`
	Active           bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }
