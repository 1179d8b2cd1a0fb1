// Package store implements the glossary store and snapshot store: durable,
// transactional persistence over the annotator's own SQLite database,
// with a full-text index over (term, definition) and an append-only
// revision log.
package store

import (
	"time"

	"github.com/pkg/errors"
)

// Status is the belief state of a glossary entry.
type Status string

const (
	StatusTentative Status = "tentative"
	StatusConfirmed Status = "confirmed"
)

// RevisionField names the glossary_entry column a revision row describes.
type RevisionField string

const (
	FieldTerm            RevisionField = "term"
	FieldDefinition      RevisionField = "definition"
	FieldStatus          RevisionField = "status"
	FieldTags            RevisionField = "tags"
	FieldCuratorDecision RevisionField = "curator_decision"
)

// SnapshotType distinguishes why a snapshot was taken.
type SnapshotType string

const (
	SnapshotCheckpoint  SnapshotType = "checkpoint"
	SnapshotCuratorFork SnapshotType = "curator_fork"
	SnapshotManual      SnapshotType = "manual"
)

// Sentinel domain errors surfaced to the dispatcher and, from there, to the
// model as structured <tool_error> results rather than as panics.
var (
	ErrDuplicateTerm            = errors.New("DuplicateTerm")
	ErrEntryNotFound            = errors.New("EntryNotFound")
	ErrSummonActive             = errors.New("SummonActive")
	ErrWriteBlockedDuringSummon = errors.New("WriteBlockedDuringSummon")
	ErrSnapshotNotFound         = errors.New("SnapshotNotFound")
)

// GlossaryEntry is the unit of knowledge the annotator accumulates.
type GlossaryEntry struct {
	ID                  int64     `db:"id" json:"id" yaml:"id"`
	Term                string    `db:"term" json:"term" yaml:"term"`
	TermNormalized      string    `db:"term_normalized" json:"term_normalized" yaml:"term_normalized"`
	Definition          string    `db:"definition" json:"definition" yaml:"definition"`
	Status              Status    `db:"status" json:"status" yaml:"status"`
	FirstSeenPostID     int64     `db:"first_seen_post_id" json:"first_seen_post_id" yaml:"first_seen_post_id"`
	FirstSeenThreadID   int64     `db:"first_seen_thread_id" json:"first_seen_thread_id" yaml:"first_seen_thread_id"`
	LastUpdatedPostID   int64     `db:"last_updated_post_id" json:"last_updated_post_id" yaml:"last_updated_post_id"`
	LastUpdatedThreadID int64     `db:"last_updated_thread_id" json:"last_updated_thread_id" yaml:"last_updated_thread_id"`
	CreatedAt           time.Time `db:"created_at" json:"created_at" yaml:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at" yaml:"updated_at"`
	Tags                []string  `db:"-" json:"tags" yaml:"tags"`
}

// Normalize lower-cases a term and strips a parenthetical disambiguation
// suffix, e.g. "Soma (the merchant)" -> "soma", to produce the uniqueness
// key spec §3 requires.
func Normalize(term string) string {
	return normalizeTerm(term)
}

// Revision is an append-only per-field change record. It survives the
// deletion of the entry it describes (EntryID set to nil by ON DELETE SET
// NULL) so the audit trail is never silently erased.
type Revision struct {
	ID           int64         `db:"id" json:"id" yaml:"id"`
	EntryID      *int64        `db:"entry_id" json:"entry_id,omitempty" yaml:"entry_id,omitempty"`
	SnapshotID   *int64        `db:"snapshot_id" json:"snapshot_id,omitempty" yaml:"snapshot_id,omitempty"`
	Field        RevisionField `db:"field" json:"field" yaml:"field"`
	OldValue     *string       `db:"old_value" json:"old_value,omitempty" yaml:"old_value,omitempty"`
	NewValue     string        `db:"new_value" json:"new_value" yaml:"new_value"`
	SourcePostID int64         `db:"source_post_id" json:"source_post_id" yaml:"source_post_id"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at" yaml:"created_at"`
}

// EntryPatch carries only the fields a caller wants to change; nil means
// "leave unchanged".
type EntryPatch struct {
	Term       *string
	Definition *string
	Status     *Status
	Tags       *[]string
}

// SearchOptions constrains a glossary_search call.
type SearchOptions struct {
	Query  string
	Tags   []string // conjunctive; glob metacharacters are honored, see tagglob.go
	Status string   // "confirmed", "tentative", or "" / "all"
	Limit  int
}

// Snapshot is a point-in-time capture of an AnnotationContext plus a
// per-entry blame record, used for checkpoints, curator forks, and summon
// dialogues.
type Snapshot struct {
	ID             int64        `db:"id" json:"id" yaml:"id"`
	Type           SnapshotType `db:"type" json:"type" yaml:"type"`
	LastPostID     int64        `db:"last_post_id" json:"last_post_id" yaml:"last_post_id"`
	LastThreadID   int64        `db:"last_thread_id" json:"last_thread_id" yaml:"last_thread_id"`
	ThreadPosition int          `db:"thread_position" json:"thread_position" yaml:"thread_position"`
	EntryCount     int          `db:"entry_count" json:"entry_count" yaml:"entry_count"`
	TokenCount     int          `db:"token_count" json:"token_count" yaml:"token_count"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at" yaml:"created_at"`
}

// SnapshotEntryState is the per-entry blame record taken at snapshot time.
type SnapshotEntryState struct {
	EntryID    int64  `db:"entry_id" json:"entry_id" yaml:"entry_id"`
	Definition string `db:"definition" json:"definition" yaml:"definition"`
	Status     Status `db:"status" json:"status" yaml:"status"`
}

// RunState is the singleton progress record for the whole run.
type RunState struct {
	ID                int       `db:"id" json:"id" yaml:"id"`
	LastPostID        int64     `db:"last_post_id" json:"last_post_id" yaml:"last_post_id"`
	LastThreadID      int64     `db:"last_thread_id" json:"last_thread_id" yaml:"last_thread_id"`
	CurrentSnapshotID *int64    `db:"current_snapshot_id" json:"current_snapshot_id,omitempty" yaml:"current_snapshot_id,omitempty"`
	StartedAt         time.Time `db:"started_at" json:"started_at" yaml:"started_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at" yaml:"updated_at"`
	PostsProcessed    int64     `db:"posts_processed" json:"posts_processed" yaml:"posts_processed"`
	EntriesCreated    int64     `db:"entries_created" json:"entries_created" yaml:"entries_created"`
	EntriesUpdated    int64     `db:"entries_updated" json:"entries_updated" yaml:"entries_updated"`
}

// ThreadState is the per-thread resumption record.
type ThreadState struct {
	ThreadID       int64     `db:"thread_id" json:"thread_id" yaml:"thread_id"`
	LastSceneIndex int       `db:"last_scene_index" json:"last_scene_index" yaml:"last_scene_index"`
	Closed         bool      `db:"closed" json:"closed" yaml:"closed"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at" yaml:"updated_at"`
}
