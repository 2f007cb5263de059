package provisioning

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/fiscaldoc/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPProvisionerProvision(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/workflows", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"workflow_id":"wf-42","webhook_url":"https://engine.local/hooks/wf-42"}`))
	}))
	defer server.Close()

	p := NewHTTPProvisioner(config.ProvisioningConfig{BaseURL: server.URL + "/", Token: "secret-token"}, server.Client(), zap.NewNop())
	workflow, err := p.Provision(t.Context(), Request{CompanyID: "1", SubscriptionID: "2", PlanSlug: "starter", Template: "fiscal-analysis-basic"})
	require.NoError(t, err)
	assert.Equal(t, "wf-42", workflow.ID)
	assert.Equal(t, "https://engine.local/hooks/wf-42", workflow.WebhookURL)
	assert.Equal(t, "fiscal-analysis-basic", got.Template)
}

func TestHTTPProvisionerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/workflows":
			http.Error(w, "template missing", http.StatusUnprocessableEntity)
		case "/workflows/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	p := NewHTTPProvisioner(config.ProvisioningConfig{BaseURL: server.URL}, server.Client(), zap.NewNop())
	_, err := p.Provision(t.Context(), Request{CompanyID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "template missing")

	assert.NoError(t, p.Deprovision(t.Context(), "gone"))
	assert.NoError(t, p.Deprovision(t.Context(), ""))
	assert.Error(t, p.Deprovision(t.Context(), "boom"))
}

func TestHTTPProvisionerRejectsIncompleteResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"workflow_id":"wf-1"}`))
	}))
	defer server.Close()

	p := NewHTTPProvisioner(config.ProvisioningConfig{BaseURL: server.URL}, server.Client(), zap.NewNop())
	_, err := p.Provision(t.Context(), Request{CompanyID: "1"})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestNewFallsBackToNoop(t *testing.T) {
	p := New(config.Config{}, zap.NewNop())
	workflow, err := p.Provision(t.Context(), Request{CompanyID: "1"})
	require.NoError(t, err)
	assert.Empty(t, workflow.WebhookURL)
}
