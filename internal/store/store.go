package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps the Postgres connection used by the pipeline and API.
type Store struct {
	DB *sql.DB
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Article analysis statuses.
const (
	AnalysisStatusPending   = "pending"
	AnalysisStatusAnalyzing = "analyzing"
	AnalysisStatusCompleted = "completed"
	AnalysisStatusFailed    = "failed"
)

// Source statuses.
const (
	SourceStatusActive = "active"
	SourceStatusMuted  = "muted"
	SourceStatusFailed = "failed"
)

// Source is a user-configured discovery origin.
type Source struct {
	ID        string
	UserID    string
	Name      string
	URL       string
	Kind      string
	Status    string
	CreatedAt time.Time
}

// Article is the durable unit of work. Analysis fields are nullable in the
// database and empty here when absent.
type Article struct {
	ID               string
	UserID           string
	Title            string
	URL              string
	URLFingerprint   string
	SourceName       string
	AnalysisStatus   string
	Content          string
	Industry         string
	Department       string
	AITechnology     []string
	BusinessImpact   string
	TechnicalDetails string
	KeyInsights      []string
	Summary          string
	Tags             []string
	DiscoveredAt     time.Time
	AnalyzedAt       *time.Time
}

// Run is one discovery run with its progress counters.
type Run struct {
	ID             string
	UserID         string
	Status         string
	StartedAt      time.Time
	CompletedAt    *time.Time
	SourcesChecked int
	ItemsFound     int
	ItemsQueued    int
	ItemsScraped   int
	ItemsAnalyzed  int
	Error          string
}

// Event is one append-only activity record for a run.
type Event struct {
	ID        int64
	UserID    string
	RunID     string
	Timestamp time.Time
	Stage     string
	EventType string
	Message   string
	Metadata  []byte
}

// UserSettings holds per-user preferences the pipeline consumes.
type UserSettings struct {
	UserID         string
	Topics         []string
	DiscoveryModel string
	AnalysisModel  string
	OpenAIAPIKey   string
	LastCheckAt    *time.Time
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Source operations

func (s *Store) CreateSource(ctx context.Context, userID, name, url, kind string) (Source, error) {
	if strings.TrimSpace(userID) == "" {
		return Source{}, fmt.Errorf("user_id required")
	}
	if strings.TrimSpace(url) == "" {
		return Source{}, fmt.Errorf("url required")
	}
	var src Source
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO sources (user_id, name, url, kind, status)
VALUES ($1,$2,$3,$4,'active')
RETURNING id, user_id, name, url, kind, status, created_at
`, userID, name, url, kind).Scan(&src.ID, &src.UserID, &src.Name, &src.URL, &src.Kind, &src.Status, &src.CreatedAt)
	return src, err
}

// ListActiveSources returns the sources that feed discovery for a user.
func (s *Store) ListActiveSources(ctx context.Context, userID string) ([]Source, error) {
	return s.listSources(ctx, userID, true)
}

func (s *Store) ListSources(ctx context.Context, userID string) ([]Source, error) {
	return s.listSources(ctx, userID, false)
}

func (s *Store) listSources(ctx context.Context, userID string, activeOnly bool) ([]Source, error) {
	q := `SELECT id, user_id, name, url, kind, status, created_at FROM sources WHERE user_id=$1`
	if activeOnly {
		q += ` AND status='active'`
	}
	q += ` ORDER BY created_at`
	rows, err := s.DB.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.UserID, &src.Name, &src.URL, &src.Kind, &src.Status, &src.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSourceStatus(ctx context.Context, id, userID, status string) error {
	switch status {
	case SourceStatusActive, SourceStatusMuted, SourceStatusFailed:
	default:
		return fmt.Errorf("invalid source status: %s", status)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sources SET status=$1 WHERE id=$2 AND user_id=$3`, status, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteSource(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sources WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListUserIDs returns every user with at least one active source. The
// scheduler fans out over this set.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT user_id FROM sources WHERE status='active' ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Dedup operations

// MarkSeen records a URL fingerprint for a user. It returns true when the
// fingerprint was new, false when it had been seen before.
func (s *Store) MarkSeen(ctx context.Context, userID, fingerprint, url string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO seen_urls (user_id, url_fingerprint, url)
VALUES ($1,$2,$3)
ON CONFLICT (user_id, url_fingerprint) DO NOTHING
`, userID, fingerprint, url)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Article operations

// InsertArticle creates a pending article. When the (user, fingerprint) pair
// already exists the existing row's ID is returned with inserted=false.
func (s *Store) InsertArticle(ctx context.Context, userID, title, url, fingerprint, sourceName string) (id string, inserted bool, err error) {
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO articles (user_id, title, url, url_fingerprint, source_name, analysis_status)
VALUES ($1,$2,$3,$4,$5,'pending')
ON CONFLICT (user_id, url_fingerprint) DO NOTHING
RETURNING id
`, userID, title, url, fingerprint, sourceName).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, err
	}
	err = s.DB.QueryRowContext(ctx, `
SELECT id FROM articles WHERE user_id=$1 AND url_fingerprint=$2
`, userID, fingerprint).Scan(&id)
	return id, false, err
}

func (s *Store) SetArticleStatus(ctx context.Context, id, status string) error {
	switch status {
	case AnalysisStatusPending, AnalysisStatusAnalyzing, AnalysisStatusCompleted, AnalysisStatusFailed:
	default:
		return fmt.Errorf("invalid analysis status: %s", status)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE articles SET analysis_status=$1 WHERE id=$2`, status, id)
	return err
}

// ArticleAnalysis carries the extracted fields written on completion.
type ArticleAnalysis struct {
	Industry         string
	Department       string
	AITechnology     []string
	BusinessImpact   string
	TechnicalDetails string
	KeyInsights      []string
	Summary          string
	Tags             []string
}

// CompleteArticle stores the scraped content and analysis fields and marks
// the article completed.
func (s *Store) CompleteArticle(ctx context.Context, id, content string, a ArticleAnalysis) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE articles SET
  analysis_status='completed',
  content=$2,
  industry=NULLIF($3,''),
  department=NULLIF($4,''),
  ai_technology=$5,
  business_impact=NULLIF($6,''),
  technical_details=NULLIF($7,''),
  key_insights=$8,
  summary=NULLIF($9,''),
  tags=$10,
  analyzed_at=NOW()
WHERE id=$1
`, id, content, a.Industry, a.Department, pq.Array(a.AITechnology), a.BusinessImpact, a.TechnicalDetails, pq.Array(a.KeyInsights), a.Summary, pq.Array(a.Tags))
	return err
}

// FailArticle marks an article failed, keeping whatever content was scraped.
func (s *Store) FailArticle(ctx context.Context, id, content string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE articles SET analysis_status='failed', content=$2 WHERE id=$1
`, id, content)
	return err
}

func (s *Store) ListArticles(ctx context.Context, userID string, limit int) ([]Article, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, title, url, url_fingerprint, source_name, analysis_status,
       COALESCE(content,''), COALESCE(industry,''), COALESCE(department,''),
       ai_technology, COALESCE(business_impact,''), COALESCE(technical_details,''),
       key_insights, COALESCE(summary,''), tags, discovered_at, analyzed_at
FROM articles WHERE user_id=$1 ORDER BY discovered_at DESC LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Article
	for rows.Next() {
		var a Article
		var analyzedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.Title, &a.URL, &a.URLFingerprint, &a.SourceName, &a.AnalysisStatus,
			&a.Content, &a.Industry, &a.Department,
			pq.Array(&a.AITechnology), &a.BusinessImpact, &a.TechnicalDetails,
			pq.Array(&a.KeyInsights), &a.Summary, pq.Array(&a.Tags), &a.DiscoveredAt, &analyzedAt); err != nil {
			return nil, err
		}
		if analyzedAt.Valid {
			ts := analyzedAt.Time
			a.AnalyzedAt = &ts
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Run operations

func (s *Store) CreateRun(ctx context.Context, userID string) (Run, error) {
	var r Run
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO discovery_runs (id, user_id, status) VALUES ($1,$2,'running')
RETURNING id, user_id, status, started_at
`, uuid.NewString(), userID).Scan(&r.ID, &r.UserID, &r.Status, &r.StartedAt)
	return r, err
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	var completedAt sql.NullTime
	var errMsg sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, status, started_at, completed_at, sources_checked,
       items_found, items_queued, items_scraped, items_analyzed, error
FROM discovery_runs WHERE id=$1
`, id).Scan(&r.ID, &r.UserID, &r.Status, &r.StartedAt, &completedAt,
		&r.SourcesChecked, &r.ItemsFound, &r.ItemsQueued, &r.ItemsScraped, &r.ItemsAnalyzed, &errMsg)
	if err != nil {
		return Run{}, err
	}
	if completedAt.Valid {
		ts := completedAt.Time
		r.CompletedAt = &ts
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	return r, nil
}

// RunStatus reads only the stored status. The pipeline polls this between
// phases so it observes cancellations made by the API.
func (s *Store) RunStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM discovery_runs WHERE id=$1`, id).Scan(&status)
	return status, err
}

func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, status, started_at, completed_at, sources_checked,
       items_found, items_queued, items_scraped, items_analyzed, error
FROM discovery_runs WHERE user_id=$1 ORDER BY started_at DESC LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var completedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.Status, &r.StartedAt, &completedAt,
			&r.SourcesChecked, &r.ItemsFound, &r.ItemsQueued, &r.ItemsScraped, &r.ItemsAnalyzed, &errMsg); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			ts := completedAt.Time
			r.CompletedAt = &ts
		}
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRunProgress writes the counters accumulated so far.
func (s *Store) UpdateRunProgress(ctx context.Context, id string, sourcesChecked, itemsFound, itemsQueued, itemsScraped, itemsAnalyzed int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE discovery_runs
SET sources_checked=$2, items_found=$3, items_queued=$4, items_scraped=$5, items_analyzed=$6
WHERE id=$1
`, id, sourcesChecked, itemsFound, itemsQueued, itemsScraped, itemsAnalyzed)
	return err
}

// CancelRun marks a still-running run cancelled. It returns false when the
// run had already reached a terminal status.
func (s *Store) CancelRun(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE discovery_runs SET status='cancelled', completed_at=NOW()
WHERE id=$1 AND user_id=$2 AND status='running'
`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinalizeRun writes the terminal status. A cancellation that landed first is
// preserved: the CASE keeps 'cancelled' no matter what the pipeline reports.
func (s *Store) FinalizeRun(ctx context.Context, id, status, errMsg string) error {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
	default:
		return fmt.Errorf("invalid terminal status: %s", status)
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE discovery_runs
SET status = CASE WHEN status='cancelled' THEN 'cancelled' ELSE $2 END,
    completed_at = NOW(),
    error = NULLIF($3,'')
WHERE id=$1
`, id, status, errMsg)
	return err
}

// Event operations

func (s *Store) InsertEvent(ctx context.Context, userID, runID, stage, eventType, message string, metadata []byte) error {
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO activity_events (user_id, run_id, stage, event_type, message, metadata)
VALUES ($1,$2,$3,$4,$5,$6)
`, userID, runID, stage, eventType, message, metadata)
	return err
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, run_id, ts, stage, event_type, message, metadata
FROM activity_events WHERE run_id=$1 ORDER BY ts, id
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.UserID, &e.RunID, &e.Timestamp, &e.Stage, &e.EventType, &e.Message, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Settings operations

func (s *Store) GetUserSettings(ctx context.Context, userID string) (UserSettings, error) {
	var us UserSettings
	var discoveryModel, analysisModel, apiKey sql.NullString
	var lastCheck sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT user_id, topics, discovery_model, analysis_model, openai_api_key, last_check_at
FROM user_settings WHERE user_id=$1
`, userID).Scan(&us.UserID, pq.Array(&us.Topics), &discoveryModel, &analysisModel, &apiKey, &lastCheck)
	if err == sql.ErrNoRows {
		return UserSettings{UserID: userID}, nil
	}
	if err != nil {
		return UserSettings{}, err
	}
	us.DiscoveryModel = discoveryModel.String
	us.AnalysisModel = analysisModel.String
	us.OpenAIAPIKey = apiKey.String
	if lastCheck.Valid {
		ts := lastCheck.Time
		us.LastCheckAt = &ts
	}
	return us, nil
}

// UserAPIKey returns the stored key for a provider, or empty when the user
// has no override.
func (s *Store) UserAPIKey(ctx context.Context, userID, provider string) (string, error) {
	if provider != "openai" {
		return "", nil
	}
	var key sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT openai_api_key FROM user_settings WHERE user_id=$1`, userID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return key.String, nil
}

// AdvanceLastCheck moves the discovery watermark forward.
func (s *Store) AdvanceLastCheck(ctx context.Context, userID string, to time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_settings (user_id, last_check_at) VALUES ($1,$2)
ON CONFLICT (user_id) DO UPDATE SET last_check_at=EXCLUDED.last_check_at
`, userID, to.UTC())
	return err
}
