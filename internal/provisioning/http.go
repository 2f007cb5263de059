package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/fiscaldoc/internal/config"
	"github.com/smallbiznis/fiscaldoc/internal/observability/tracing"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const maxErrorBody = 2048

type HTTPProvisioner struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

// New returns the HTTP provisioner, or a no-op one when no base URL is configured
// so local installations fall back to the default dispatch endpoint.
func New(cfg config.Config, log *zap.Logger) Provisioner {
	if strings.TrimSpace(cfg.Provisioning.BaseURL) == "" {
		log.Named("provisioning").Warn("provisioning base url not set, workflows will not be provisioned")
		return noopProvisioner{}
	}
	return NewHTTPProvisioner(cfg.Provisioning, &http.Client{Timeout: cfg.Provisioning.Timeout}, log)
}

func NewHTTPProvisioner(cfg config.ProvisioningConfig, client *http.Client, log *zap.Logger) *HTTPProvisioner {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPProvisioner{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		client:  client,
		log:     log.Named("provisioning"),
	}
}

func (p *HTTPProvisioner) Provision(ctx context.Context, req Request) (*Workflow, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/workflows", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provision workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("provision workflow", resp)
	}

	var workflow Workflow
	if err := json.NewDecoder(resp.Body).Decode(&workflow); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	workflow.ID = strings.TrimSpace(workflow.ID)
	workflow.WebhookURL = strings.TrimSpace(workflow.WebhookURL)
	if workflow.ID == "" || workflow.WebhookURL == "" {
		return nil, ErrInvalidResponse
	}

	p.log.Info("workflow provisioned",
		zap.String("company_id", req.CompanyID),
		zap.String("workflow_id", workflow.ID),
	)
	return &workflow, nil
}

func (p *HTTPProvisioner) Deprovision(ctx context.Context, workflowID string) error {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/workflows/"+url.PathEscape(workflowID), nil)
	if err != nil {
		return err
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deprovision workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("deprovision workflow", resp)
	}
	return nil
}

func (p *HTTPProvisioner) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	tracing.InjectContext(req.Context(), propagation.HeaderCarrier(req.Header))
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(raw)))
}

type noopProvisioner struct{}

func (noopProvisioner) Provision(context.Context, Request) (*Workflow, error) {
	return &Workflow{}, nil
}

func (noopProvisioner) Deprovision(context.Context, string) error {
	return nil
}
