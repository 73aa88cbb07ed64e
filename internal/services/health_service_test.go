package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keyserver/internal/infrastructure"
	"keyserver/internal/shared/testutil"
	"keyserver/pkg/contracts"
)

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Name() string { return "file" }

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fixedCounter int

func (c fixedCounter) ClientCount() int { return int(c) }

func scrapeMetrics(t *testing.T, p *infrastructure.OTelProviders) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(b)
}

func TestReadinessCheck(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)

	t.Run("ready", func(t *testing.T) {
		p := &mockPinger{}
		p.On("Ping", mock.Anything).Return(nil).Once()
		hs := NewHealthService(p, fixedCounter(2), logger)

		status, ready := hs.ReadinessCheck(context.Background())

		assert.True(t, ready)
		assert.Equal(t, "ready", status.Status)
		assert.Equal(t, ServiceHealth{Status: "ready"}, status.Services["storage:file"])
		assert.Equal(t, "2 clients", status.Services["websocket"].Message)
		p.AssertExpectations(t)
	})

	t.Run("backend down", func(t *testing.T) {
		p := &mockPinger{}
		p.On("Ping", mock.Anything).Return(errors.New("connection refused")).Once()
		hs := NewHealthService(p, nil, logger)

		status, ready := hs.ReadinessCheck(context.Background())

		assert.False(t, ready)
		assert.Equal(t, "not_ready", status.Status)
		assert.Equal(t, "connection refused", status.Services["storage:file"].Message)
		assert.NotContains(t, status.Services, "websocket")
		assert.True(t, logs.ContainsMessage("readiness check failed"))
	})
}

func TestLivenessAndVersion(t *testing.T) {
	hs := NewHealthService(nil, nil, nil)

	live := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", live.Status)
	assert.Equal(t, contracts.Version, live.Version)
	assert.Contains(t, live.Runtime, "goroutines")

	status, ready := hs.ReadinessCheck(context.Background())
	assert.True(t, ready)
	assert.Empty(t, status.Services)

	assert.Equal(t, contracts.GetVersionInfo(), hs.Version())
	assert.Equal(t, "1 client", pluralClients(1))
}
