package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keyserver/internal/config"
	apierrors "keyserver/internal/errors"
	"keyserver/internal/keystore"
	"keyserver/internal/middleware"
	"keyserver/internal/services"
	"keyserver/internal/shared/testutil"
	api "keyserver/pkg/contracts/api/v1"
)

// MockKeyService is a mock implementation of services.KeyService
type MockKeyService struct {
	mock.Mock
}

func (m *MockKeyService) Activate(ctx context.Context, key string, months int) (*api.ActivateResponse, error) {
	args := m.Called(ctx, key, months)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.ActivateResponse), args.Error(1)
}

func (m *MockKeyService) Deactivate(ctx context.Context, key string) (*api.SuccessResponse, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.SuccessResponse), args.Error(1)
}

func (m *MockKeyService) Suspend(ctx context.Context, key string, hours int) (*api.SuspendResponse, error) {
	args := m.Called(ctx, key, hours)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.SuspendResponse), args.Error(1)
}

func (m *MockKeyService) Resume(ctx context.Context, key string) (*api.SuccessResponse, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.SuccessResponse), args.Error(1)
}

func (m *MockKeyService) Check(ctx context.Context, key string) (*api.CheckResponse, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.CheckResponse), args.Error(1)
}

func (m *MockKeyService) Stats(ctx context.Context) *api.StatsResponse {
	args := m.Called(ctx)
	return args.Get(0).(*api.StatsResponse)
}

func (m *MockKeyService) List(ctx context.Context) []api.KeyRecord {
	args := m.Called(ctx)
	return args.Get(0).([]api.KeyRecord)
}

func newKeyRouter(t *testing.T, svc services.KeyService) http.Handler {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	errorHandler := apierrors.NewErrorHandler(logger, false)
	handler := NewKeyHandler(
		svc,
		middleware.NewValidationMiddleware(logger, errorHandler),
		errorHandler,
		config.Default().Keys,
		logger,
	)
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestKeyHandler_Home(t *testing.T) {
	r := newKeyRouter(t, new(MockKeyService))

	rec := serve(r, http.MethodGet, "/", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, config.DefaultMessage, body["message"])
}

func TestKeyHandler_RequestDefaults(t *testing.T) {
	defaults := config.Default().Keys

	tests := []struct {
		name   string
		path   string
		body   string
		expect func(svc *MockKeyService)
	}{
		{
			name: "activate without months",
			path: "/activate",
			body: `{"key":"ABC"}`,
			expect: func(svc *MockKeyService) {
				svc.On("Activate", mock.Anything, "ABC", defaults.DefaultMonths).
					Return(&api.ActivateResponse{Success: true, Key: "ABC"}, nil)
			},
		},
		{
			name: "activate with string months",
			path: "/activate",
			body: `{"key":"ABC","months":"6"}`,
			expect: func(svc *MockKeyService) {
				svc.On("Activate", mock.Anything, "ABC", 6).
					Return(&api.ActivateResponse{Success: true, Key: "ABC"}, nil)
			},
		},
		{
			name: "activate with fractional months",
			path: "/activate",
			body: `{"key":"ABC","months":2.9}`,
			expect: func(svc *MockKeyService) {
				svc.On("Activate", mock.Anything, "ABC", 2).
					Return(&api.ActivateResponse{Success: true, Key: "ABC"}, nil)
			},
		},
		{
			name: "suspend without hours",
			path: "/suspend",
			body: `{"key":"ABC"}`,
			expect: func(svc *MockKeyService) {
				svc.On("Suspend", mock.Anything, "ABC", defaults.DefaultSuspendHours).
					Return(&api.SuspendResponse{Success: true}, nil)
			},
		},
		{
			name: "suspend with null hours",
			path: "/suspend",
			body: `{"key":"ABC","hours":null}`,
			expect: func(svc *MockKeyService) {
				svc.On("Suspend", mock.Anything, "ABC", defaults.DefaultSuspendHours).
					Return(&api.SuspendResponse{Success: true}, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockKeyService)
			tt.expect(svc)
			r := newKeyRouter(t, svc)

			rec := serve(r, http.MethodPost, tt.path, tt.body)

			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			svc.AssertExpectations(t)
		})
	}
}

func TestKeyHandler_CheckDecodesKeyOnce(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"escaped slash and space", "/check/a%20b%2Fc", "a b/c"},
		{"escaped percent", "/check/AB%2541", "AB%41"},
		{"escaped percent beside slash", "/check/AB%2541%2Fx", "AB%41/x"},
		{"literal key", "/check/ABC-123", "ABC-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockKeyService)
			svc.On("Check", mock.Anything, tt.want).Return(&api.CheckResponse{Found: false}, nil)
			r := newKeyRouter(t, svc)

			rec := serve(r, http.MethodGet, tt.path, "")

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"found":false}`, rec.Body.String())
			svc.AssertExpectations(t)
		})
	}
}

func TestKeyHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		setup      func(svc *MockKeyService)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed json",
			path:       "/activate",
			body:       `{"key":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeInvalidRequest,
		},
		{
			name:       "non numeric months",
			path:       "/activate",
			body:       `{"key":"ABC","months":"six"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeInvalidRequest,
		},
		{
			name:       "key too long",
			path:       "/deactivate",
			body:       fmt.Sprintf(`{"key":%q}`, strings.Repeat("k", api.MaxKeyLength+1)),
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeValidationFailed,
		},
		{
			name: "invalid key from service",
			path: "/resume",
			body: `{"key":"   "}`,
			setup: func(svc *MockKeyService) {
				svc.On("Resume", mock.Anything, "   ").
					Return(nil, fmt.Errorf("resume: %w", keystore.ErrInvalidKey))
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeInvalidKey,
		},
		{
			name: "invalid duration from service",
			path: "/suspend",
			body: `{"key":"ABC","hours":-1}`,
			setup: func(svc *MockKeyService) {
				svc.On("Suspend", mock.Anything, "ABC", -1).
					Return(nil, fmt.Errorf("suspend: %w", keystore.ErrInvalidDuration))
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeInvalidDuration,
		},
		{
			name: "persistence failure",
			path: "/activate",
			body: `{"key":"ABC","months":1}`,
			setup: func(svc *MockKeyService) {
				svc.On("Activate", mock.Anything, "ABC", 1).
					Return(nil, fmt.Errorf("activate: %w", keystore.ErrPersistence))
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   apierrors.CodePersistenceFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockKeyService)
			if tt.setup != nil {
				tt.setup(svc)
			}
			r := newKeyRouter(t, svc)

			rec := serve(r, http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, apierrors.ProblemContentType, rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantCode, decodeMap(t, rec)["error_code"])
			svc.AssertExpectations(t)
		})
	}
}

func TestKeyHandler_BodyTooLarge(t *testing.T) {
	r := newKeyRouter(t, new(MockKeyService))

	body := fmt.Sprintf(`{"key":%q}`, strings.Repeat("k", middleware.DefaultMaxBodySize))
	rec := serve(r, http.MethodPost, "/activate", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// The handler and the real service together, on an in-memory store.
func TestKeyHandler_Lifecycle(t *testing.T) {
	fx := testutil.NewKeyFixture(t)
	logger, _ := testutil.NewTestLogger(t)
	svc, err := services.NewKeyService(fx.Store, logger)
	require.NoError(t, err)
	r := newKeyRouter(t, svc)

	rec := serve(r, http.MethodPost, "/activate", `{"key":"ABCD-EFGH-IJKL","months":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"key":"ABCD-EFGH-IJKL"}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/check/ABCD-EFGH-IJKL", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "2025-04-15T09:30:00Z", body["expiry"])

	rec = serve(r, http.MethodPost, "/suspend", `{"key":"ABCD-EFGH-IJKL","hours":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"resume":"2025-01-15T11:30:00Z"}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"total_keys":1,"active_keys":0,"suspended_keys":1,"inactive_keys":0}`,
		rec.Body.String())

	rec = serve(r, http.MethodPost, "/resume", `{"key":"ABCD-EFGH-IJKL"}`)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = serve(r, http.MethodPost, "/deactivate", `{"key":"ABCD-EFGH-IJKL"}`)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = serve(r, http.MethodPost, "/deactivate", `{"key":"NOPE"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":false}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/check/NOPE", "")
	assert.JSONEq(t, `{"found":false}`, rec.Body.String())

	rec = serve(r, http.MethodPost, "/activate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierrors.CodeInvalidKey, decodeMap(t, rec)["error_code"])
}
