package domain

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
)

type Service interface {
	// Intake stores and registers a batch of uploads, then hands each one to
	// the dispatcher. The whole batch is rejected when the paying wallet cannot
	// cover it.
	Intake(ctx context.Context, req IntakeRequest) (*IntakeResponse, error)
	// Complete applies one completion report or a batch of them. Repeated
	// deliveries are no-ops.
	Complete(ctx context.Context, body []byte) (*CompletionResult, error)
	Resolve(ctx context.Context, req ResolveRequest) (*ResolveResponse, error)
	Get(ctx context.Context, companyID, id snowflake.ID) (*Document, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	// FlagStuck marks documents that stayed in PROCESSING past the configured
	// threshold and optionally fails the ones flagged long ago.
	FlagStuck(ctx context.Context, now time.Time, batchSize int) (StuckReport, error)
}

type IntakeFile struct {
	FileName    string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

type IntakeRequest struct {
	CompanyID snowflake.ID
	UserID    snowflake.ID
	Files     []IntakeFile
}

type IntakeFailure struct {
	FileName string `json:"file_name"`
	Reason   string `json:"reason"`
}

type IntakeResponse struct {
	Documents []Document      `json:"documents"`
	Failed    []IntakeFailure `json:"failed,omitempty"`
	UnitCost  int64           `json:"unit_cost"`
}

// CompletionOutcome reports what happened to one document of a callback.
type CompletionOutcome struct {
	DocumentID snowflake.ID   `json:"document_id"`
	Status     DocumentStatus `json:"status,omitempty"`
	Billed     bool           `json:"billed"`
	Skipped    string         `json:"skipped,omitempty"`
}

type CompletionResult struct {
	Received   int                 `json:"received"`
	Completed  int                 `json:"completed"`
	Billed     int                 `json:"billed"`
	Errored    int                 `json:"errored"`
	Duplicate  int                 `json:"duplicate"`
	Unresolved int                 `json:"unresolved"`
	NotFound   int                 `json:"not_found"`
	Documents  []CompletionOutcome `json:"documents"`
}

type ResolveRequest struct {
	CompanyID    snowflake.ID
	DocumentID   snowflake.ID
	ActingUserID snowflake.ID
	Status       DocumentStatus
	Notes        string
	DuplicateIDs []snowflake.ID
}

type ResolveResponse struct {
	Document Document       `json:"document"`
	Charged  int64          `json:"charged"`
	Archived []snowflake.ID `json:"archived"`
}

type ListRequest struct {
	pagination.Pagination
	CompanyID  snowflake.ID
	Status     string
	UploadedBy snowflake.ID
}

type ListResponse struct {
	pagination.PageInfo
	Documents []Document `json:"documents"`
}

type StuckReport struct {
	Flagged int `json:"flagged"`
	Failed  int `json:"failed"`
}

var (
	ErrInvalidCompany     = errors.New("invalid_company")
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidDocument    = errors.New("invalid_document")
	ErrInvalidStatus      = errors.New("invalid_status")
	ErrInvalidTransition  = errors.New("invalid_status_transition")
	ErrInvalidPageToken   = errors.New("invalid_page_token")
	ErrNoFiles            = errors.New("no_files")
	ErrDocumentNotFound   = errors.New("document_not_found")
	ErrConcurrentUpdate   = errors.New("concurrent_document_update")
	ErrCompanyUnavailable = errors.New("company_unavailable")
)
