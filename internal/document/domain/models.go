// Package domain contains the document lifecycle models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DocumentStatus values are persisted verbatim and shared with the analysis engine.
type DocumentStatus string

const (
	StatusProcessing   DocumentStatus = "PROCESSING"
	StatusApproved     DocumentStatus = "APROVADO"
	StatusRejected     DocumentStatus = "REJEITADO"
	StatusUserApproved DocumentStatus = "APROVADO_USUARIO"
	StatusError        DocumentStatus = "ERROR"
	StatusArchived     DocumentStatus = "ARCHIVED"
)

// Billable reports whether entering this status consumes credits.
func (s DocumentStatus) Billable() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusUserApproved:
		return true
	default:
		return false
	}
}

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusApproved, StatusRejected, StatusUserApproved, StatusError, StatusArchived:
		return true
	default:
		return false
	}
}

type Document struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	CompanyID         snowflake.ID   `gorm:"not null;index:ix_documents_company_created,priority:1" json:"company_id"`
	UploadedBy        snowflake.ID   `gorm:"not null;index" json:"uploaded_by"`
	ResponsibleUserID *snowflake.ID  `json:"responsible_user_id,omitempty"`
	FileName          string         `gorm:"type:text;not null" json:"file_name"`
	ContentType       string         `gorm:"type:text" json:"content_type,omitempty"`
	SizeBytes         int64          `gorm:"not null;default:0" json:"size_bytes"`
	StorageKey        string         `gorm:"type:text;not null" json:"storage_key"`
	Status            DocumentStatus `gorm:"type:text;not null;index" json:"status"`
	StatusReason      *string        `gorm:"type:text" json:"status_reason,omitempty"`
	Notes             *string        `gorm:"type:text" json:"notes,omitempty"`

	TotalAmount *int64 `json:"total_amount,omitempty"`
	TaxAmount   *int64 `json:"tax_amount,omitempty"`
	IcmsAmount  *int64 `json:"icms_amount,omitempty"`
	NetAmount   *int64 `json:"net_amount,omitempty"`

	Billed           bool          `gorm:"not null;default:false" json:"billed"`
	BilledAt         *time.Time    `json:"billed_at,omitempty"`
	BilledWalletType *string       `gorm:"type:text" json:"billed_wallet_type,omitempty"`
	BilledWalletID   *snowflake.ID `json:"billed_wallet_id,omitempty"`
	BilledAmount     int64         `gorm:"not null;default:0" json:"billed_amount"`

	RawReport      datatypes.JSON `gorm:"type:json" json:"raw_report,omitempty"`
	DuplicateOf    *snowflake.ID  `json:"duplicate_of,omitempty"`
	DispatchedAt   *time.Time     `json:"dispatched_at,omitempty"`
	StuckFlaggedAt *time.Time     `json:"stuck_flagged_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index:ix_documents_company_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Document) TableName() string { return "documents" }
