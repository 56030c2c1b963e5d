package storage

import "time"

// Status is the lifecycle state of a site's scan
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// AutoResume is the automatic continuation policy stored with a checkpoint
type AutoResume struct {
	Enabled      bool `json:"enabled"`
	DelayMinutes int  `json:"delay_minutes"`
	// Remaining is the number of automatic resumes left; -1 means unbounded
	Remaining  int  `json:"remaining"`
	BatchSize  int  `json:"batch_size"`
	Aggressive bool `json:"aggressive"`
}

// Unbounded reports whether the policy has no resume limit
func (a AutoResume) Unbounded() bool {
	return a.Remaining < 0
}

// Checkpoint is the persisted crawl state of one site
type Checkpoint struct {
	Site    string   `json:"site"`
	SeedURL string   `json:"seed_url"`
	Status  Status   `json:"status"`
	Pending []string `json:"pending"`
	Visited []string `json:"visited"`
	// PendingDomains are outbound hosts found but not yet classified
	PendingDomains []string   `json:"pending_domains"`
	DomainsChecked int        `json:"domains_checked"`
	Concurrency    int        `json:"concurrency"`
	AutoResume     AutoResume `json:"auto_resume"`
	NextResumeAt   *time.Time `json:"next_resume_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Result is a persisted liveness verdict for an outbound domain of a site
type Result struct {
	Site         string    `json:"site" db:"site"`
	Domain       string    `json:"domain" db:"domain"`
	TLD          string    `json:"tld" db:"tld"`
	Status       string    `json:"status" db:"status"`
	ErrorCode    string    `json:"error_code" db:"error_code"`
	HTTPStatus   int       `json:"http_status" db:"http_status"`
	ExpiryDate   *string   `json:"expiry_date,omitempty" db:"expiry_date"`
	ExpiryReason *string   `json:"expiry_reason,omitempty" db:"expiry_reason"`
	FoundAt      time.Time `json:"found_at" db:"found_at"`
}

// Summary aggregates a site's results
type Summary struct {
	Site     string         `json:"site"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByTLD    map[string]int `json:"by_tld"`
}

// Metrics tracks batch statistics for export on exit
type Metrics struct {
	Site              string         `json:"site"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	PagesFetched      int            `json:"pages_fetched"`
	PagesFailed       int            `json:"pages_failed"`
	PagesDisallowed   int            `json:"pages_disallowed"`
	DomainsChecked    int            `json:"domains_checked"`
	DomainsByStatus   map[string]int `json:"domains_by_status"`
	TotalFetchTimeMs  int64          `json:"total_fetch_time_ms"`
	AvgFetchTimeMs    int64          `json:"avg_fetch_time_ms"`
	TerminationReason string         `json:"termination_reason"`
}
