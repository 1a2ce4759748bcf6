package provider

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/docukit/docsync/internal/crypto"
	"github.com/docukit/docsync/internal/types"
)

// SQLite is the durable Client. One database file per identity
// (docsync-{userID}.db), snapshots in docs keyed by doc id, operation batches
// in operations under an auto-increment key with a doc_id index. Payloads are
// sealed at rest with a key derived from the identity secret.
type SQLite struct {
	db   *sql.DB
	box  *crypto.Box
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS docs (
	doc_id TEXT PRIMARY KEY,
	serialized_doc BLOB NOT NULL,
	clock INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS operations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT NOT NULL,
	operations BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_doc_id ON operations(doc_id);
`

// NewSQLite opens (or creates) the identity's local database under dataDir.
func NewSQLite(dataDir string, identity types.Identity) (*SQLite, error) {
	if identity.UserID == "" {
		return nil, fmt.Errorf("identity user id is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	box, err := crypto.NewBox(identity.Secret, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("deriving at-rest key: %w", err)
	}

	dbPath := filepath.Join(dataDir, types.LocalDatabaseName(identity.UserID)+".db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLite{db: db, box: box, path: dbPath}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Transaction(ctx context.Context, mode TxMode, fn func(tx Tx) error) error {
	opts := &sql.TxOptions{ReadOnly: mode == ReadOnly}
	dbTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	wrapped := &sqliteTx{tx: dbTx, box: s.box, mode: mode, ctx: ctx}
	if err := fn(wrapped); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx   *sql.Tx
	box  *crypto.Box
	mode TxMode
	ctx  context.Context
}

func (t *sqliteTx) GetSerializedDoc(docID string) (*types.StoredDoc, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT serialized_doc, clock FROM docs WHERE doc_id = ?`, docID)
	var sealed []byte
	var clock int64
	if err := row.Scan(&sealed, &clock); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("reading doc %s: %w", docID, err)
	}
	plain, err := t.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing doc %s: %w", docID, err)
	}
	return &types.StoredDoc{DocID: docID, SerializedDoc: plain, Clock: clock}, nil
}

func (t *sqliteTx) SaveSerializedDoc(doc types.StoredDoc) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	sealed, err := t.box.Seal(doc.SerializedDoc)
	if err != nil {
		return fmt.Errorf("sealing doc %s: %w", doc.DocID, err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO docs (doc_id, serialized_doc, clock) VALUES (?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET serialized_doc = excluded.serialized_doc, clock = excluded.clock`,
		doc.DocID, sealed, doc.Clock)
	if err != nil {
		return fmt.Errorf("saving doc %s: %w", doc.DocID, err)
	}
	return nil
}

func (t *sqliteTx) GetOperations(docID string) ([]types.OperationBatch, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT operations FROM operations WHERE doc_id = ? ORDER BY seq`, docID)
	if err != nil {
		return nil, fmt.Errorf("reading operations for %s: %w", docID, err)
	}
	defer rows.Close()

	var batches []types.OperationBatch
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, err
		}
		plain, err := t.box.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("unsealing operations for %s: %w", docID, err)
		}
		batches = append(batches, types.OperationBatch(plain))
	}
	return batches, rows.Err()
}

func (t *sqliteTx) SaveOperations(docID string, batches []types.OperationBatch) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	for _, b := range batches {
		sealed, err := t.box.Seal(b)
		if err != nil {
			return fmt.Errorf("sealing operations for %s: %w", docID, err)
		}
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO operations (doc_id, operations) VALUES (?, ?)`, docID, sealed); err != nil {
			return fmt.Errorf("saving operations for %s: %w", docID, err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteOperations(docID string, count int) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM operations WHERE seq IN (
			SELECT seq FROM operations WHERE doc_id = ? ORDER BY seq LIMIT ?
		)`, docID, count)
	if err != nil {
		return fmt.Errorf("deleting operations for %s: %w", docID, err)
	}
	return nil
}

var _ Client = (*SQLite)(nil)
