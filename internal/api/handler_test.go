// internal/api/handler_test.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github-topic-harvester/internal/errors"
	"github-topic-harvester/internal/harvester"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context) (harvester.Result, error) {
	args := m.Called(ctx)
	return args.Get(0).(harvester.Result), args.Error(1)
}

type MockPreflight struct {
	mock.Mock
}

func (m *MockPreflight) CheckConnectivity(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func doHarvest(t *testing.T, runner Runner, preflight Preflight) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	router := NewRouter(runner, preflight, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/harvest", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec, body
}

func TestRunHarvest_CycleComplete(t *testing.T) {
	runner := &MockRunner{}
	preflight := &MockPreflight{}

	preflight.On("CheckConnectivity", mock.Anything).Return(nil).Once()
	runner.On("Run", mock.Anything).Return(harvester.Result{
		Status:   harvester.StatusCycleComplete,
		Message:  "all partitions harvested",
		Inserted: 120,
		Skipped:  30,
		Elapsed:  42 * time.Second,
	}, nil).Once()

	rec, body := doHarvest(t, runner, preflight)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cycle_complete", body["status"])
	assert.Equal(t, float64(120), body["inserted"])
	assert.Equal(t, float64(30), body["skipped"])
	assert.Equal(t, "42s", body["elapsed"])
	assert.NotContains(t, body, "next_cursor")
	runner.AssertExpectations(t)
}

func TestRunHarvest_TimedOutCarriesNextCursor(t *testing.T) {
	runner := &MockRunner{}
	preflight := &MockPreflight{}

	cursor := "page:5"
	preflight.On("CheckConnectivity", mock.Anything).Return(nil).Once()
	runner.On("Run", mock.Anything).Return(harvester.Result{
		Status:     harvester.StatusTimedOut,
		Message:    "timed out, progress saved",
		Inserted:   400,
		Skipped:    12,
		Elapsed:    50 * time.Second,
		NextCursor: &cursor,
	}, nil).Once()

	rec, body := doHarvest(t, runner, preflight)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "timed_out", body["status"])
	assert.Equal(t, "page:5", body["next_cursor"])
}

func TestRunHarvest_PreflightFailureIs503(t *testing.T) {
	runner := &MockRunner{}
	preflight := &MockPreflight{}

	preflight.On("CheckConnectivity", mock.Anything).Return(errors.New("dial tcp: no route to host")).Once()

	rec, body := doHarvest(t, runner, preflight)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "github search API unreachable", body["error"])
	assert.Contains(t, body["detail"], "no route to host")
	runner.AssertNotCalled(t, "Run")
}

func TestRunHarvest_LeaseHeldIs409(t *testing.T) {
	runner := &MockRunner{}
	preflight := &MockPreflight{}

	preflight.On("CheckConnectivity", mock.Anything).Return(nil).Once()
	runner.On("Run", mock.Anything).Return(harvester.Result{Status: harvester.StatusFailed}, apperrors.ErrLeaseHeld).Once()

	rec, _ := doHarvest(t, runner, preflight)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunHarvest_FailureReturnsAccumulatedCounts(t *testing.T) {
	runner := &MockRunner{}
	preflight := &MockPreflight{}

	preflight.On("CheckConnectivity", mock.Anything).Return(nil).Once()
	runner.On("Run", mock.Anything).Return(harvester.Result{
		Status:   harvester.StatusFailed,
		Inserted: 75,
		Skipped:  5,
		Elapsed:  10 * time.Second,
	}, &apperrors.CursorError{Cursor: "page:9", Msg: "rejected"}).Once()

	rec, body := doHarvest(t, runner, preflight)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, float64(75), body["inserted"])
	assert.Equal(t, float64(5), body["skipped"])
	assert.Contains(t, body["message"], "page:9")
}

func TestHealthCheck(t *testing.T) {
	router := NewRouter(&MockRunner{}, &MockPreflight{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
