// Package dispatch submits uploaded documents to the external analysis engine
// without waiting for the outcome. Results come back through the completion
// callback, correlated by document id.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Submission is everything the analysis engine needs for one document.
type Submission struct {
	DocumentID  snowflake.ID
	CompanyID   snowflake.ID
	UploadedBy  snowflake.ID
	FileName    string
	ContentType string
	StorageKey  string
}

type Dispatcher interface {
	// Dispatch returns immediately. Delivery failures are logged and counted,
	// never returned.
	Dispatch(ctx context.Context, sub Submission)
}

// EndpointResolver returns the company's provisioned webhook, or "" when none exists.
type EndpointResolver interface {
	WebhookURL(ctx context.Context, companyID snowflake.ID) (string, error)
}

// DeliveryRecorder is notified after the engine accepted a submission.
type DeliveryRecorder interface {
	MarkDispatched(ctx context.Context, documentID snowflake.ID, at time.Time) error
}

var ErrNoEndpoint = errors.New("no_dispatch_endpoint")
