package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestMarkSeen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
INSERT INTO seen_urls (user_id, url_fingerprint, url)
VALUES ($1,$2,$3)
ON CONFLICT (user_id, url_fingerprint) DO NOTHING
`)

	mock.ExpectExec(query).
		WithArgs("user-1", "fp-abc", "https://e.com/article/1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	fresh, err := st.MarkSeen(context.Background(), "user-1", "fp-abc", "https://e.com/article/1")
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if !fresh {
		t.Fatalf("first insert should be fresh")
	}

	mock.ExpectExec(query).
		WithArgs("user-1", "fp-abc", "https://e.com/article/1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	fresh, err = st.MarkSeen(context.Background(), "user-1", "fp-abc", "https://e.com/article/1")
	if err != nil {
		t.Fatalf("MarkSeen repeat: %v", err)
	}
	if fresh {
		t.Fatalf("repeat insert should not be fresh")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertArticleResolvesDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	insert := regexp.QuoteMeta(`
INSERT INTO articles (user_id, title, url, url_fingerprint, source_name, analysis_status)
VALUES ($1,$2,$3,$4,$5,'pending')
ON CONFLICT (user_id, url_fingerprint) DO NOTHING
RETURNING id
`)

	mock.ExpectQuery(insert).
		WithArgs("user-1", "Title", "https://e.com/article/1", "fp-1", "Example").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("art-1"))
	id, inserted, err := st.InsertArticle(context.Background(), "user-1", "Title", "https://e.com/article/1", "fp-1", "Example")
	if err != nil || !inserted || id != "art-1" {
		t.Fatalf("first insert: id=%q inserted=%v err=%v", id, inserted, err)
	}

	// Conflicting insert returns no rows; must resolve to the existing ID.
	mock.ExpectQuery(insert).
		WithArgs("user-1", "Title", "https://e.com/article/1", "fp-1", "Example").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id FROM articles WHERE user_id=$1 AND url_fingerprint=$2
`)).
		WithArgs("user-1", "fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("art-1"))
	id, inserted, err = st.InsertArticle(context.Background(), "user-1", "Title", "https://e.com/article/1", "fp-1", "Example")
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate insert must report inserted=false")
	}
	if id != "art-1" {
		t.Fatalf("duplicate insert must resolve to existing id, got %q", id)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinalizeRunPreservesCancellation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
UPDATE discovery_runs
SET status = CASE WHEN status='cancelled' THEN 'cancelled' ELSE $2 END,
    completed_at = NOW(),
    error = NULLIF($3,'')
WHERE id=$1
`)
	mock.ExpectExec(query).
		WithArgs("run-1", "completed", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.FinalizeRun(context.Background(), "run-1", RunStatusCompleted, ""); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}
	if err := st.FinalizeRun(context.Background(), "run-1", "paused", ""); err == nil {
		t.Fatalf("non-terminal status must be rejected")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCancelRunOnlyWhenRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
UPDATE discovery_runs SET status='cancelled', completed_at=NOW()
WHERE id=$1 AND user_id=$2 AND status='running'
`)

	mock.ExpectExec(query).WithArgs("run-1", "user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := st.CancelRun(context.Background(), "run-1", "user-1")
	if err != nil || !ok {
		t.Fatalf("CancelRun running: ok=%v err=%v", ok, err)
	}

	mock.ExpectExec(query).WithArgs("run-1", "user-1").WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = st.CancelRun(context.Background(), "run-1", "user-1")
	if err != nil {
		t.Fatalf("CancelRun terminal: %v", err)
	}
	if ok {
		t.Fatalf("cancel of a terminal run must report false")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetUserSettingsDefaultsWhenMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`SELECT user_id, topics, discovery_model`).
		WithArgs("user-x").
		WillReturnError(sql.ErrNoRows)

	us, err := st.GetUserSettings(context.Background(), "user-x")
	if err != nil {
		t.Fatalf("GetUserSettings: %v", err)
	}
	if us.UserID != "user-x" || us.LastCheckAt != nil {
		t.Fatalf("missing row should yield empty defaults: %+v", us)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdvanceLastCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(`INSERT INTO user_settings`).
		WithArgs("user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.AdvanceLastCheck(context.Background(), "user-1", time.Now()); err != nil {
		t.Fatalf("AdvanceLastCheck: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
