package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Storage handles all database operations
type Storage struct {
	db *sqlx.DB
}

// checkpointRow is the flattened table form of a Checkpoint
type checkpointRow struct {
	Site           string     `db:"site"`
	SeedURL        string     `db:"seed_url"`
	Status         string     `db:"status"`
	Pending        string     `db:"pending"`
	Visited        string     `db:"visited"`
	PendingDomains string     `db:"pending_domains"`
	DomainsChecked int        `db:"domains_checked"`
	Concurrency    int        `db:"concurrency"`
	AutoResume     string     `db:"auto_resume"`
	NextResumeAt   *time.Time `db:"next_resume_at"`
	LastError      string     `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_checkpoints (
		site TEXT PRIMARY KEY,
		seed_url TEXT NOT NULL,
		status TEXT NOT NULL,
		pending TEXT NOT NULL DEFAULT '[]',
		visited TEXT NOT NULL DEFAULT '[]',
		pending_domains TEXT NOT NULL DEFAULT '[]',
		domains_checked INTEGER NOT NULL DEFAULT 0,
		concurrency INTEGER NOT NULL DEFAULT 1,
		auto_resume TEXT NOT NULL DEFAULT '{}',
		next_resume_at TIMESTAMP NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS liveness_results (
		result_id INTEGER PRIMARY KEY AUTOINCREMENT,
		site TEXT NOT NULL,
		domain TEXT NOT NULL,
		tld TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		http_status INTEGER NOT NULL DEFAULT 0,
		expiry_date TEXT NULL,
		expiry_reason TEXT NULL,
		found_at TIMESTAMP NOT NULL,
		UNIQUE(site, domain)
	);

	CREATE INDEX IF NOT EXISTS idx_results_site ON liveness_results(site);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_resume ON scan_checkpoints(next_resume_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertCheckpoint writes the whole checkpoint of a site in one statement
func (s *Storage) UpsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	row, err := toRow(cp)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO scan_checkpoints (site, seed_url, status, pending, visited, pending_domains, domains_checked,
			concurrency, auto_resume, next_resume_at, last_error, created_at, updated_at)
		VALUES (:site, :seed_url, :status, :pending, :visited, :pending_domains, :domains_checked,
			:concurrency, :auto_resume, :next_resume_at, :last_error, :created_at, :updated_at)
		ON CONFLICT(site) DO UPDATE SET
			seed_url = excluded.seed_url,
			status = excluded.status,
			pending = excluded.pending,
			visited = excluded.visited,
			pending_domains = excluded.pending_domains,
			domains_checked = excluded.domains_checked,
			concurrency = excluded.concurrency,
			auto_resume = excluded.auto_resume,
			next_resume_at = excluded.next_resume_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, row)
	if err != nil {
		return fmt.Errorf("failed to upsert checkpoint: %w", err)
	}
	return nil
}

// FindCheckpoint retrieves a site's checkpoint, returns nil if not found
func (s *Storage) FindCheckpoint(ctx context.Context, site string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM scan_checkpoints WHERE site = ?`, site)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return fromRow(&row)
}

// ListCheckpoints returns every checkpoint ordered by site
func (s *Storage) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	var rows []checkpointRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM scan_checkpoints ORDER BY site`); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteCheckpoint removes a site's checkpoint
func (s *Storage) DeleteCheckpoint(ctx context.Context, site string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scan_checkpoints WHERE site = ?`, site); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// UpsertResult inserts a verdict or refreshes the existing one for (site, domain)
func (s *Storage) UpsertResult(ctx context.Context, r *Result) error {
	if r.FoundAt.IsZero() {
		r.FoundAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO liveness_results (site, domain, tld, status, error_code, http_status,
			expiry_date, expiry_reason, found_at)
		VALUES (:site, :domain, :tld, :status, :error_code, :http_status,
			:expiry_date, :expiry_reason, :found_at)
		ON CONFLICT(site, domain) DO UPDATE SET
			tld = excluded.tld,
			status = excluded.status,
			error_code = excluded.error_code,
			http_status = excluded.http_status,
			expiry_date = excluded.expiry_date,
			expiry_reason = excluded.expiry_reason,
			found_at = excluded.found_at
	`, r)
	if err != nil {
		return fmt.Errorf("failed to upsert result: %w", err)
	}
	return nil
}

// ListResults returns a site's results ordered by domain; an empty status returns all of them
func (s *Storage) ListResults(ctx context.Context, site, status string) ([]Result, error) {
	query := `SELECT site, domain, tld, status, error_code, http_status, expiry_date, expiry_reason, found_at
		FROM liveness_results WHERE site = ?`
	args := []any{site}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY domain`

	results := []Result{}
	if err := s.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return results, nil
}

// DeleteResults removes every result recorded for a site
func (s *Storage) DeleteResults(ctx context.Context, site string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM liveness_results WHERE site = ?`, site); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	return nil
}

// ListSites returns every site with a checkpoint or at least one result
func (s *Storage) ListSites(ctx context.Context) ([]string, error) {
	sites := []string{}
	err := s.db.SelectContext(ctx, &sites, `
		SELECT site FROM scan_checkpoints
		UNION
		SELECT DISTINCT site FROM liveness_results
		ORDER BY site
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	return sites, nil
}

type countRow struct {
	Key   string `db:"label"`
	Count int    `db:"n"`
}

// SummarizeResults counts a site's results by status and by TLD
func (s *Storage) SummarizeResults(ctx context.Context, site string) (*Summary, error) {
	summary := &Summary{
		Site:     site,
		ByStatus: map[string]int{},
		ByTLD:    map[string]int{},
	}

	var byStatus []countRow
	if err := s.db.SelectContext(ctx, &byStatus,
		`SELECT status AS label, COUNT(*) AS n FROM liveness_results WHERE site = ? GROUP BY status`, site); err != nil {
		return nil, fmt.Errorf("failed to summarize by status: %w", err)
	}
	for _, r := range byStatus {
		summary.ByStatus[r.Key] = r.Count
		summary.Total += r.Count
	}

	var byTLD []countRow
	if err := s.db.SelectContext(ctx, &byTLD,
		`SELECT tld AS label, COUNT(*) AS n FROM liveness_results WHERE site = ? GROUP BY tld`, site); err != nil {
		return nil, fmt.Errorf("failed to summarize by tld: %w", err)
	}
	for _, r := range byTLD {
		summary.ByTLD[r.Key] = r.Count
	}

	return summary, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func toRow(cp *Checkpoint) (*checkpointRow, error) {
	pending, err := json.Marshal(nonNil(cp.Pending))
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending: %w", err)
	}
	visited, err := json.Marshal(nonNil(cp.Visited))
	if err != nil {
		return nil, fmt.Errorf("failed to encode visited: %w", err)
	}
	pendingDomains, err := json.Marshal(nonNil(cp.PendingDomains))
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending domains: %w", err)
	}
	autoResume, err := json.Marshal(cp.AutoResume)
	if err != nil {
		return nil, fmt.Errorf("failed to encode auto resume: %w", err)
	}

	return &checkpointRow{
		Site:           cp.Site,
		SeedURL:        cp.SeedURL,
		Status:         string(cp.Status),
		Pending:        string(pending),
		Visited:        string(visited),
		PendingDomains: string(pendingDomains),
		DomainsChecked: cp.DomainsChecked,
		Concurrency:    cp.Concurrency,
		AutoResume:     string(autoResume),
		NextResumeAt:   cp.NextResumeAt,
		LastError:      cp.LastError,
		CreatedAt:      cp.CreatedAt,
		UpdatedAt:      cp.UpdatedAt,
	}, nil
}

func fromRow(row *checkpointRow) (*Checkpoint, error) {
	cp := &Checkpoint{
		Site:           row.Site,
		SeedURL:        row.SeedURL,
		Status:         Status(row.Status),
		DomainsChecked: row.DomainsChecked,
		Concurrency:    row.Concurrency,
		NextResumeAt:   row.NextResumeAt,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Pending), &cp.Pending); err != nil {
		return nil, fmt.Errorf("failed to decode pending for %s: %w", row.Site, err)
	}
	if err := json.Unmarshal([]byte(row.Visited), &cp.Visited); err != nil {
		return nil, fmt.Errorf("failed to decode visited for %s: %w", row.Site, err)
	}
	if err := json.Unmarshal([]byte(row.PendingDomains), &cp.PendingDomains); err != nil {
		return nil, fmt.Errorf("failed to decode pending domains for %s: %w", row.Site, err)
	}
	if err := json.Unmarshal([]byte(row.AutoResume), &cp.AutoResume); err != nil {
		return nil, fmt.Errorf("failed to decode auto resume for %s: %w", row.Site, err)
	}
	return cp, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
