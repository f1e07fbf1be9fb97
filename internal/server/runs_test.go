package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/scout/internal/pipeline"
	"github.com/mohammad-safakhou/scout/internal/store"
)

type fakeTrigger struct {
	runID string
	err   error
	users []string
}

func (f *fakeTrigger) Start(_ context.Context, userID string) (string, error) {
	f.users = append(f.users, userID)
	return f.runID, f.err
}

func TestTriggerRun(t *testing.T) {
	e := echo.New()
	handler := &RunsHandler{Orch: &fakeTrigger{runID: "run-42"}}

	req := httptest.NewRequest(http.MethodPost, "/api/runs/trigger", strings.NewReader(`{"user_id":"user-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := handler.trigger(ctx); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["run_id"] != "run-42" {
		t.Fatalf("unexpected run_id: %q", resp["run_id"])
	}
}

func TestTriggerRunRefusedWhileActive(t *testing.T) {
	e := echo.New()
	handler := &RunsHandler{Orch: &fakeTrigger{err: pipeline.ErrRunActive}}

	req := httptest.NewRequest(http.MethodPost, "/api/runs/trigger", strings.NewReader(`{"user_id":"user-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.trigger(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestTriggerRunRequiresUserID(t *testing.T) {
	e := echo.New()
	handler := &RunsHandler{Orch: &fakeTrigger{}}

	req := httptest.NewRequest(http.MethodPost, "/api/runs/trigger", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.trigger(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RunsHandler{Store: &store.Store{DB: db}}
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE discovery_runs SET status='cancelled', completed_at=NOW()
WHERE id=$1 AND user_id=$2 AND status='running'
`)).WithArgs("run-1", "user-1").WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/runs/run-1/cancel?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := handler.cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCancelRunAlreadyTerminal(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RunsHandler{Store: &store.Store{DB: db}}
	mock.ExpectExec(`UPDATE discovery_runs SET status='cancelled'`).
		WithArgs("run-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPost, "/api/runs/run-1/cancel?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	err = handler.cancel(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestGetRun(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RunsHandler{Store: &store.Store{DB: db}}
	now := time.Now()
	mock.ExpectQuery(`SELECT id, user_id, status, started_at`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "status", "started_at", "completed_at",
			"sources_checked", "items_found", "items_queued", "items_scraped", "items_analyzed", "error",
		}).AddRow("run-1", "user-1", "completed", now, now, 2, 5, 3, 3, 2, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := handler.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" || resp.ItemsFound != 5 || resp.ItemsAnalyzed != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateSourceRejectsBadURL(t *testing.T) {
	e := echo.New()
	handler := &SourcesHandler{}

	req := httptest.NewRequest(http.MethodPost, "/api/sources", strings.NewReader(`{"user_id":"u","url":"not a url"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.create(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
