package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fiscaldoc/internal/authorization"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testCompanyID = "1001"
	testUserID    = "2002"
	testSecret    = "s3cret"
)

type mockDocumentService struct {
	mock.Mock
	documentdomain.Service
}

func (m *mockDocumentService) Intake(ctx context.Context, req documentdomain.IntakeRequest) (*documentdomain.IntakeResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*documentdomain.IntakeResponse)
	return resp, args.Error(1)
}

func (m *mockDocumentService) Complete(ctx context.Context, body []byte) (*documentdomain.CompletionResult, error) {
	args := m.Called(ctx, body)
	resp, _ := args.Get(0).(*documentdomain.CompletionResult)
	return resp, args.Error(1)
}

func (m *mockDocumentService) Resolve(ctx context.Context, req documentdomain.ResolveRequest) (*documentdomain.ResolveResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*documentdomain.ResolveResponse)
	return resp, args.Error(1)
}

type mockSubscriptionService struct {
	mock.Mock
	subscriptiondomain.Service
}

func (m *mockSubscriptionService) Activate(ctx context.Context, req subscriptiondomain.ActivateRequest) (*subscriptiondomain.ActivateResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*subscriptiondomain.ActivateResponse)
	return resp, args.Error(1)
}

type mockLedgerService struct {
	mock.Mock
	ledgerdomain.Service
}

func (m *mockLedgerService) Balance(ctx context.Context, owner ledgerdomain.WalletOwner) (int64, error) {
	args := m.Called(ctx, owner)
	return args.Get(0).(int64), args.Error(1)
}

type stubAuthorizer struct {
	err   error
	calls []string
}

func (a *stubAuthorizer) Authorize(ctx context.Context, actor string, companyID string, object string, action string) error {
	a.calls = append(a.calls, actor+"|"+companyID+"|"+action)
	return a.err
}

type testServer struct {
	engine        *gin.Engine
	documents     *mockDocumentService
	subscriptions *mockSubscriptionService
	ledger        *mockLedgerService
	authz         *stubAuthorizer
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		engine:        engine,
		documents:     &mockDocumentService{},
		subscriptions: &mockSubscriptionService{},
		ledger:        &mockLedgerService{},
		authz:         &stubAuthorizer{},
	}
	NewServer(ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Log:             zap.NewNop(),
		AuthzSvc:        ts.authz,
		DocumentSvc:     ts.documents,
		SubscriptionSvc: ts.subscriptions,
		OrganizationSvc: struct{ organizationdomain.Service }{},
		LedgerSvc:       ts.ledger,
		PlanSvc:         struct{ plandomain.Service }{},
	})
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func principalRequest(t *testing.T, method, path string, body io.Reader) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(HeaderCompany, testCompanyID)
	req.Header.Set(HeaderUser, testUserID)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, content := range files {
		part, err := writer.CreateFormFile(intakeFormField, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestIntakeDocumentsPassesPrincipalAndFiles(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	companyID, _ := snowflake.ParseString(testCompanyID)
	userID, _ := snowflake.ParseString(testUserID)

	ts.documents.On("Intake", mock.Anything, mock.MatchedBy(func(req documentdomain.IntakeRequest) bool {
		return req.CompanyID == companyID && req.UserID == userID && len(req.Files) == 2
	})).Return(&documentdomain.IntakeResponse{
		Documents: []documentdomain.Document{{ID: 1}, {ID: 2}},
		UnitCost:  10,
	}, nil).Once()

	body, contentType := multipartBody(t, map[string]string{"a.xml": "<nfe/>", "b.xml": "<nfe/>"})
	req := principalRequest(t, http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)

	rec := ts.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ts.documents.AssertExpectations(t)
	require.Len(t, ts.authz.calls, 1)
	assert.Equal(t, "user:"+testUserID+"|"+testCompanyID+"|"+authorization.ActionDocumentIntake, ts.authz.calls[0])
}

func TestIntakeDocumentsInsufficientFundsIsPaymentRequired(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.documents.On("Intake", mock.Anything, mock.Anything).Return(nil, &ledgerdomain.InsufficientFundsError{
		Owner:     ledgerdomain.CompanyWallet(1001),
		Required:  30,
		Available: 12,
	}).Once()

	body, contentType := multipartBody(t, map[string]string{"a.xml": "<nfe/>"})
	req := principalRequest(t, http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)

	rec := ts.do(req)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "insufficient_funds", payload.Type)
	require.NotNil(t, payload.Required)
	require.NotNil(t, payload.Available)
	assert.EqualValues(t, 30, *payload.Required)
	assert.EqualValues(t, 12, *payload.Available)
}

func TestIntakeDocumentsRequiresFiles(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	body, contentType := multipartBody(t, map[string]string{})
	req := principalRequest(t, http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)

	rec := ts.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "no_files", payload.Errors[0].Code)
	ts.documents.AssertNotCalled(t, "Intake", mock.Anything, mock.Anything)
}

func TestPrincipalHeadersAreRequired(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/wallets/company", nil)
	rec := ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/wallets/company", nil)
	req.Header.Set(HeaderUser, testUserID)
	rec = ts.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.authz.calls)
}

func TestForbiddenRoleIsRejected(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.authz.err = authorization.ErrForbidden

	rec := ts.do(principalRequest(t, http.MethodPost, "/api/subscription/activate", bytes.NewBufferString(`{"plan":"starter"}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	ts.subscriptions.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything)
}

func TestActivateProvisioningFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.subscriptions.On("Activate", mock.Anything, mock.MatchedBy(func(req subscriptiondomain.ActivateRequest) bool {
		return req.PlanSlug == "professional"
	})).Return(nil, &subscriptiondomain.ProvisioningError{
		SubscriptionID: 77,
		Refunded:       150,
		Cause:          errors.New("workflow api down"),
	}).Once()

	rec := ts.do(principalRequest(t, http.MethodPost, "/api/subscription/activate", bytes.NewBufferString(`{"plan":"professional"}`)))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "provisioning_failed", payload.Type)
	require.NotNil(t, payload.Refunded)
	assert.EqualValues(t, 150, *payload.Refunded)
}

func TestActivateRequiresPlan(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(principalRequest(t, http.MethodPost, "/api/subscription/activate", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	ts.subscriptions.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything)
}

func TestCallbackRequiresSharedSecret(t *testing.T) {
	ts := newTestServer(t, config.Config{Callback: config.CallbackConfig{Secret: testSecret}})
	payload := []byte(`{"document_id":"42","status":"APROVADO"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/analysis", bytes.NewReader(payload))
	req.Header.Set(HeaderCallbackSecret, "wrong")
	rec := ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ts.documents.On("Complete", mock.Anything, payload).Return(&documentdomain.CompletionResult{
		Received:  1,
		Completed: 1,
		Billed:    1,
	}, nil).Once()

	req = httptest.NewRequest(http.MethodPost, "/webhooks/analysis", bytes.NewReader(payload))
	req.Header.Set(HeaderCallbackSecret, testSecret)
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.documents.AssertExpectations(t)

	var resp struct {
		Data documentdomain.CompletionResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Billed)
}

func TestCallbackWithoutSecretIsClosedInProduction(t *testing.T) {
	ts := newTestServer(t, config.Config{Environment: "production"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/analysis", bytes.NewBufferString(`{}`))
	rec := ts.do(req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCallbackMalformedPayloadIsValidationError(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.documents.On("Complete", mock.Anything, mock.Anything).Return(nil, documentdomain.ErrInvalidDocument).Once()

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/webhooks/analysis", bytes.NewBufferString(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveDocument(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(principalRequest(t, http.MethodPost, "/api/documents/42/resolve", bytes.NewBufferString(`{"status":"APROVADO_USUARIO","duplicate_ids":["x"]}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ts.documents.On("Resolve", mock.Anything, mock.MatchedBy(func(req documentdomain.ResolveRequest) bool {
		return req.DocumentID == 42 && req.Status == documentdomain.StatusUserApproved && len(req.DuplicateIDs) == 2
	})).Return(&documentdomain.ResolveResponse{
		Document: documentdomain.Document{ID: 42, Status: documentdomain.StatusUserApproved},
		Charged:  10,
		Archived: []snowflake.ID{43, 44},
	}, nil).Once()

	rec = ts.do(principalRequest(t, http.MethodPost, "/api/documents/42/resolve", bytes.NewBufferString(`{"status":"APROVADO_USUARIO","duplicate_ids":["43","44"]}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.documents.AssertExpectations(t)
}

func TestResolveInvalidTransitionIsConflict(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.documents.On("Resolve", mock.Anything, mock.Anything).Return(nil, documentdomain.ErrInvalidTransition).Once()

	rec := ts.do(principalRequest(t, http.MethodPost, "/api/documents/42/resolve", bytes.NewBufferString(`{"status":"REJEITADO"}`)))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeError(t, rec).Type)
}

func TestCompanyWalletBalance(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.ledger.On("Balance", mock.Anything, ledgerdomain.CompanyWallet(1001)).Return(int64(250), nil).Once()

	rec := ts.do(principalRequest(t, http.MethodGet, "/api/wallets/company", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data walletView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 250, resp.Data.Balance)
	assert.Equal(t, ledgerdomain.OwnerTypeCompany, resp.Data.Owner.Type)
}

func TestUnknownRouteIsJSONNotFound(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestClassifyErrorForLog(t *testing.T) {
	errType, code := classifyErrorForLog(documentdomain.ErrNoFiles)
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "no_files", code)

	errType, code = classifyErrorForLog(ErrRateLimited)
	assert.Equal(t, "rate_limited", errType)
	assert.Equal(t, "rate_limited", code)
}
