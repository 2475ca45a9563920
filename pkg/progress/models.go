package progress

import "time"

// Status values shared by the overall, ingestion and QA state columns.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Run records one benchmark run's identity and inputs. Workers consult it
// instead of re-reading config from disk.
type Run struct {
	RunID       string `gorm:"primaryKey"`
	DatasetPath string
	ConfigPath  string
	VaultTitle  string
	CreatedAt   time.Time
}

// QuestionProgress is the durable per-question state machine. One row per
// question per run; every state transition lands here before anything
// depends on it.
type QuestionProgress struct {
	RunID        string `gorm:"primaryKey"`
	QuestionID   string `gorm:"primaryKey"`
	QuestionType string
	// QuestionJSON is the full dataset record, stored at init so workers
	// never need the dataset file.
	QuestionJSON string

	// VaultID survives restarts; MemoryID is cleared on hard reset.
	VaultID     string
	MemoryID    string
	MemoryTitle string

	TotalSessions     int
	CompletedSessions int
	// TotalMessages is advisory: counted at init with the same filter the
	// replayer uses, but only session counters gate resume decisions.
	TotalMessages    int
	IngestedMessages int

	Status          string `gorm:"index"`
	IngestionStatus string
	QAStatus        string

	IngestionStartedAt   *time.Time
	IngestionCompletedAt *time.Time
	QAStartedAt          *time.Time
	QACompletedAt        *time.Time
	// LastProgressAt is bumped on every persisted message, session and
	// phase transition. Stuck detection keys off it.
	LastProgressAt *time.Time

	WorkerID     string
	ErrorMessage string
	RetryCount   int
}

// RunStats aggregates a run's question states for monitoring.
type RunStats struct {
	Total              int
	Pending            int
	InProgress         int
	Completed          int
	Failed             int
	IngestionCompleted int
	QACompleted        int
}

// Terminal reports whether every question in the run has reached a state
// that will not change without operator intervention.
func (s RunStats) Terminal() bool {
	return s.Total > 0 && s.Completed+s.Failed == s.Total
}
