package changelog

import "context"

// Store is the append-only, strictly ordered record of every mutation on
// tracked entities. Append and the caller's write share one transaction
// boundary: if the log cannot be written, the write must fail too.
type Store interface {
	// Append assigns the next sequence for the entry's source region
	// atomically and persists the record.
	Append(ctx context.Context, entry Entry) (*ChangeRecord, error)

	// ReadSince returns up to limit records for the given table and source
	// region strictly after the cursor, ordered by sequence, along with the
	// cursor to resume from. An empty table matches all tables.
	ReadSince(ctx context.Context, entityTable string, cursor Cursor, sourceRegion string, limit int) ([]ChangeRecord, Cursor, error)
}
