// Package batchstore persists batch runs and their per-repository
// entries in SQLite.
package batchstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgesweep/forgesweep/internal/codemod"
)

// Store provides SQLite-backed batch persistence.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the batch database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, err
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Batch is a named batch run bound to one recipe.
type Batch struct {
	Name      string
	Recipe    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry is one repository's slot in a batch.
type Entry struct {
	Batch   string
	Name    string
	URL     string
	Subpath string
	Mode    string

	Branch       string
	TargetBranch string

	CommitMessage string
	Title         string
	Description   string
	Labels        []string
	Context       map[string]any

	// Result is the codemod's reported result, handed back as the
	// resume checkpoint when the entry is republished.
	Result *codemod.Result

	// WorkDir is the kept working copy holding the prepared changes.
	WorkDir string

	// Outcome mirrors publish.Outcome values, plus "pending" for
	// entries generated but not yet published.
	Outcome string
	Error   string

	ProposalURL    string
	ProposalStatus string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertBatch creates or touches a batch record.
func (s *Store) UpsertBatch(name, recipeName string) error {
	_, err := s.db.Exec(`
		INSERT INTO batches (name, recipe, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			recipe = excluded.recipe,
			updated_at = excluded.updated_at
	`, name, recipeName, time.Now())
	return err
}

// GetBatch retrieves a batch by name.
func (s *Store) GetBatch(name string) (*Batch, error) {
	row := s.db.QueryRow(`SELECT name, recipe, created_at, updated_at FROM batches WHERE name = ?`, name)
	var b Batch
	if err := row.Scan(&b.Name, &b.Recipe, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertEntry inserts or updates an entry, keyed by (batch, name).
func (s *Store) UpsertEntry(e *Entry) error {
	labelsJSON, err := json.Marshal(e.Labels)
	if err != nil {
		return err
	}
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return err
	}
	resultJSON := ""
	if e.Result != nil {
		data, err := json.Marshal(e.Result)
		if err != nil {
			return err
		}
		resultJSON = string(data)
	}

	_, err = s.db.Exec(`
		INSERT INTO entries (batch, name, url, subpath, mode, branch, target_branch,
			commit_message, title, description, labels, context, result, work_dir,
			outcome, error, proposal_url, proposal_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch, name) DO UPDATE SET
			url = excluded.url,
			subpath = excluded.subpath,
			mode = excluded.mode,
			branch = excluded.branch,
			target_branch = excluded.target_branch,
			commit_message = excluded.commit_message,
			title = excluded.title,
			description = excluded.description,
			labels = excluded.labels,
			context = excluded.context,
			result = excluded.result,
			work_dir = excluded.work_dir,
			outcome = excluded.outcome,
			error = excluded.error,
			proposal_url = excluded.proposal_url,
			proposal_status = excluded.proposal_status,
			updated_at = excluded.updated_at
	`,
		e.Batch, e.Name, e.URL, e.Subpath, e.Mode, e.Branch, e.TargetBranch,
		e.CommitMessage, e.Title, e.Description, string(labelsJSON), string(contextJSON),
		resultJSON, e.WorkDir, e.Outcome, e.Error, e.ProposalURL, e.ProposalStatus, time.Now(),
	)
	return err
}

const entryColumns = `batch, name, url, subpath, mode, branch, target_branch,
	commit_message, title, description, labels, context, result, work_dir,
	outcome, error, proposal_url, proposal_status, created_at, updated_at`

// GetEntry retrieves one entry.
func (s *Store) GetEntry(batch, name string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE batch = ? AND name = ?`, batch, name)
	return scanEntry(row)
}

// ListOptions filters entry listings.
type ListOptions struct {
	// Outcome filters by exact outcome.
	Outcome string

	// NonTerminal selects entries that still need publishing.
	NonTerminal bool
}

// ListEntries returns a batch's entries, sorted by name.
func (s *Store) ListEntries(batch string, opts ListOptions) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE batch = ?`
	args := []interface{}{batch}

	if opts.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, opts.Outcome)
	}
	if opts.NonTerminal {
		query += ` AND outcome NOT IN ('pushed', 'proposed', 'no-op')`
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateOutcome records the result of a publish attempt.
func (s *Store) UpdateOutcome(batch, name, outcome, errMsg, proposalURL, proposalStatus string) error {
	_, err := s.db.Exec(`
		UPDATE entries SET outcome = ?, error = ?, proposal_url = ?, proposal_status = ?, updated_at = ?
		WHERE batch = ? AND name = ?
	`, outcome, errMsg, proposalURL, proposalStatus, time.Now(), batch, name)
	return err
}

// UpdateProposalStatus refreshes the cached forge-side state.
func (s *Store) UpdateProposalStatus(batch, name, status string) error {
	_, err := s.db.Exec(`
		UPDATE entries SET proposal_status = ?, updated_at = ?
		WHERE batch = ? AND name = ?
	`, status, time.Now(), batch, name)
	return err
}

// DeleteEntry removes an entry.
func (s *Store) DeleteEntry(batch, name string) error {
	_, err := s.db.Exec(`DELETE FROM entries WHERE batch = ? AND name = ?`, batch, name)
	return err
}

// Counts returns entry counts per outcome for a batch.
func (s *Store) Counts(batch string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM entries WHERE batch = ? GROUP BY outcome`, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	var labelsJSON, contextJSON, resultJSON string
	err := row.Scan(
		&e.Batch, &e.Name, &e.URL, &e.Subpath, &e.Mode, &e.Branch, &e.TargetBranch,
		&e.CommitMessage, &e.Title, &e.Description, &labelsJSON, &contextJSON,
		&resultJSON, &e.WorkDir, &e.Outcome, &e.Error, &e.ProposalURL, &e.ProposalStatus,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &e.Labels); err != nil {
			return nil, fmt.Errorf("decoding labels for %s/%s: %w", e.Batch, e.Name, err)
		}
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
			return nil, fmt.Errorf("decoding context for %s/%s: %w", e.Batch, e.Name, err)
		}
	}
	if resultJSON != "" {
		if err := json.Unmarshal([]byte(resultJSON), &e.Result); err != nil {
			return nil, fmt.Errorf("decoding result for %s/%s: %w", e.Batch, e.Name, err)
		}
	}
	return &e, nil
}
