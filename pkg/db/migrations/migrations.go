// Package migrations contains all database migrations for the annotator's
// glossary store. Migrations use Rails-style timestamp versioning
// (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/terrarium-labs/annotator/pkg/db"
)

// All returns all registered migrations in the correct order. New
// migrations should be appended to this list.
func All() []db.Migration {
	return []db.Migration{
		Migration20260101000001CreateGlossary(),
		Migration20260101000002CreateRevisions(),
		Migration20260101000003CreateSnapshots(),
		Migration20260101000004CreateRunState(),
	}
}
