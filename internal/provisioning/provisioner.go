// Package provisioning talks to the workflow engine that hosts each company's
// dedicated analysis pipeline.
package provisioning

import (
	"context"
	"errors"
)

//go:generate mockgen -source=provisioner.go -destination=mock/mock_provisioner.go -package=mock

// Provisioner creates and removes per-company workflow instances.
type Provisioner interface {
	Provision(ctx context.Context, req Request) (*Workflow, error)
	Deprovision(ctx context.Context, workflowID string) error
}

// Request asks for a workflow built from a plan template.
type Request struct {
	CompanyID      string `json:"company_id"`
	SubscriptionID string `json:"subscription_id"`
	PlanSlug       string `json:"plan_slug"`
	Template       string `json:"template"`
}

// Workflow is the provisioned instance. WebhookURL receives document submissions.
type Workflow struct {
	ID         string `json:"workflow_id"`
	WebhookURL string `json:"webhook_url"`
}

var (
	ErrNotConfigured   = errors.New("provisioning_not_configured")
	ErrInvalidResponse = errors.New("provisioning_invalid_response")
)
