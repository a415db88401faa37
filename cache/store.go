// Copyright 2021 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache maintains the cross-sample junction/coverage store of a
// project and folds per-sample extraction outputs into it.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sys/unix"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Dir is the cache directory under a project directory.
	Dir = "_cache"
	// StoreFile is the store's file name under Dir.
	StoreFile = "jxn_wiggle.sqlite"
	// Table and Index name the store's row table and its gene index.
	Table = "jxn_wiggle"
	Index = "gID"

	infoTable   = "jxn_wiggle_info"
	inputsTable = "jxn_wiggle_inputs"
	keyIndex    = "jxn_wiggle_sample_id"
	lockPoll    = 100 * time.Millisecond
)

// StorePath returns the store path of the project at dir.
func StorePath(dir string) string {
	return filepath.Join(dir, Dir, StoreFile)
}

// Row is one (gene, sample) entry of the store.
type Row struct {
	// SampleID is the row key, GeneID + "__" + the sample name.
	SampleID string `db:"sample_id"`
	GeneID   string `db:"geneID"`
	// Junctions is the JSON junction map of the event.
	Junctions string `db:"jxn"`
	// Wiggles is the "_"-joined coverage array.
	Wiggles []byte `db:"wiggles"`
}

// Key returns the row key of a gene in a sample.
func Key(geneID, sample string) string {
	return geneID + "__" + sample
}

// StoreOpts configures OpenStore.
type StoreOpts struct {
	// CompressCoverage stores coverage blobs snappy-compressed. It applies
	// to new stores only; an existing store keeps the encoding it was
	// created with.
	CompressCoverage bool
	// LockWait makes OpenStore wait for a concurrent writer to release the
	// store instead of failing.
	LockWait bool
}

// Store is an open handle on a project's store. A Store holds an exclusive
// lock on the store until Close.
type Store struct {
	path     string
	db       *sqlx.DB
	lock     *os.File
	compress bool
}

const schema = `
CREATE TABLE IF NOT EXISTS ` + Table + ` (
	sample_id TEXT PRIMARY KEY,
	geneID TEXT,
	jxn TEXT,
	wiggles BLOB
);
CREATE INDEX IF NOT EXISTS ` + Index + ` ON ` + Table + ` (geneID);
CREATE TABLE IF NOT EXISTS ` + infoTable + ` (
	name TEXT PRIMARY KEY,
	value TEXT
);
CREATE TABLE IF NOT EXISTS ` + inputsTable + ` (
	path TEXT PRIMARY KEY,
	digest TEXT
);`

// OpenStore opens the store at path, creating it and its directory if
// needed. If another process holds the store, OpenStore fails with an
// errors.Unavailable error unless opts.LockWait is set.
func OpenStore(ctx context.Context, path string, opts StoreOpts) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.E(err, "create cache directory", path)
	}
	lock, err := acquireLock(ctx, path+".lock", opts.LockWait)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, lock: lock}
	if s.db, err = sqlx.ConnectContext(ctx, "sqlite3", path); err != nil {
		s.Close() // nolint: errcheck
		return nil, errors.E(err, "open store", path)
	}
	// One writer; keep a single connection so that transactions never wait
	// on each other.
	s.db.SetMaxOpenConns(1)
	if _, err = s.db.ExecContext(ctx, schema); err != nil {
		s.Close() // nolint: errcheck
		return nil, errors.E(err, "create schema", path)
	}
	if err = s.migrate(ctx); err != nil {
		s.Close() // nolint: errcheck
		return nil, err
	}
	if s.compress, err = s.encoding(ctx, opts.CompressCoverage); err != nil {
		s.Close() // nolint: errcheck
		return nil, err
	}
	return s, nil
}

type indexListRow struct {
	Seq     int    `db:"seq"`
	Name    string `db:"name"`
	Unique  bool   `db:"unique"`
	Origin  string `db:"origin"`
	Partial bool   `db:"partial"`
}

type indexInfoRow struct {
	Seqno int            `db:"seqno"`
	Cid   int            `db:"cid"`
	Name  sql.NullString `db:"name"`
}

// keyed reports whether the row table has a unique constraint on sample_id
// alone.
func (s *Store) keyed(ctx context.Context) (bool, error) {
	var indexes []indexListRow
	if err := s.db.SelectContext(ctx, &indexes, "PRAGMA index_list("+Table+")"); err != nil {
		return false, errors.E(err, "list indexes", s.path)
	}
	for _, ix := range indexes {
		if !ix.Unique || ix.Partial {
			continue
		}
		var cols []indexInfoRow
		if err := s.db.SelectContext(ctx, &cols, "PRAGMA index_info("+ix.Name+")"); err != nil {
			return false, errors.E(err, "read index", s.path, ix.Name)
		}
		if len(cols) == 1 && cols[0].Name.String == "sample_id" {
			return true, nil
		}
	}
	return false, nil
}

// migrate adds the sample_id unique constraint to a row table created
// without one, such as by the Python cache builder. Of rows sharing a key,
// the last inserted one is kept.
func (s *Store) migrate(ctx context.Context) (err error) {
	keyed, err := s.keyed(ctx)
	if err != nil || keyed {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.E(err, "begin", s.path)
	}
	defer func() {
		if err != nil {
			tx.Rollback() // nolint: errcheck
		}
	}()
	res, err := tx.ExecContext(ctx, "DELETE FROM "+Table+" WHERE rowid NOT IN "+
		"(SELECT MAX(rowid) FROM "+Table+" GROUP BY sample_id)")
	if err != nil {
		return errors.E(err, "remove duplicate rows", s.path)
	}
	if _, err = tx.ExecContext(ctx, "CREATE UNIQUE INDEX "+keyIndex+" ON "+Table+" (sample_id)"); err != nil {
		return errors.E(err, "create key index", s.path)
	}
	if err = tx.Commit(); err != nil {
		return errors.E(err, "commit", s.path)
	}
	n, _ := res.RowsAffected()
	log.Printf("%s: added unique sample_id index, dropped %d duplicate rows", s.path, n)
	return nil
}

// encoding returns whether coverage blobs are compressed, recording want for
// a store that has no rows yet.
func (s *Store) encoding(ctx context.Context, want bool) (bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM "+infoTable+" WHERE name = 'coverage_encoding'")
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, errors.E(err, "read store info", s.path)
	default:
		if have := value == "snappy"; have != want {
			log.Printf("%s: store keeps coverage encoding %q", s.path, value)
			return have, nil
		}
		return want, nil
	}
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+Table); err != nil {
		return false, errors.E(err, "count rows", s.path)
	}
	if n > 0 {
		// Rows predating the info table are raw.
		want = false
	}
	value = "raw"
	if want {
		value = "snappy"
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO "+infoTable+" (name, value) VALUES ('coverage_encoding', ?)", value); err != nil {
		return false, errors.E(err, "write store info", s.path)
	}
	return want, nil
}

func acquireLock(ctx context.Context, path string, wait bool) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.E(err, "open lock", path)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close() // nolint: errcheck
			return nil, errors.E(err, "lock", path)
		}
		if !wait {
			f.Close() // nolint: errcheck
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s is held by another writer", path))
		}
		select {
		case <-ctx.Done():
			f.Close() // nolint: errcheck
			return nil, errors.E(ctx.Err(), "lock", path)
		case <-time.After(lockPoll):
		}
	}
}

// Path returns the path of the store.
func (s *Store) Path() string { return s.path }

// Compressed reports whether coverage blobs are snappy-compressed.
func (s *Store) Compressed() bool { return s.compress }

// Put inserts rows in a single transaction. A row replaces any existing row
// with the same key.
func (s *Store) Put(ctx context.Context, rows []Row) error {
	return s.put(ctx, rows, nil)
}

// PutInput is Put for the rows read from the merge input at path, whose
// content digest is recorded in the same transaction.
func (s *Store) PutInput(ctx context.Context, path, digest string, rows []Row) error {
	return s.put(ctx, rows, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO "+inputsTable+" (path, digest) VALUES (?, ?)", path, digest)
		return err
	})
}

// InputDigest returns the digest recorded for the merge input at path, or ""
// if it was never merged.
func (s *Store) InputDigest(ctx context.Context, path string) (string, error) {
	var digest string
	err := s.db.GetContext(ctx, &digest, "SELECT digest FROM "+inputsTable+" WHERE path = ?", path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.E(err, "read input digest", path)
	}
	return digest, nil
}

func (s *Store) put(ctx context.Context, rows []Row, extra func(*sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.E(err, "begin", s.path)
	}
	defer func() {
		if err != nil {
			tx.Rollback() // nolint: errcheck
		}
	}()
	stmt, err := tx.PreparexContext(ctx, "INSERT INTO "+Table+" (sample_id, geneID, jxn, wiggles) VALUES (?, ?, ?, ?) "+
		"ON CONFLICT(sample_id) DO UPDATE SET geneID = excluded.geneID, jxn = excluded.jxn, wiggles = excluded.wiggles")
	if err != nil {
		return errors.E(err, "prepare insert", s.path)
	}
	defer stmt.Close() // nolint: errcheck
	for _, r := range rows {
		wiggles := r.Wiggles
		if s.compress {
			wiggles = snappy.Encode(nil, wiggles)
		}
		if _, err = stmt.ExecContext(ctx, r.SampleID, r.GeneID, r.Junctions, wiggles); err != nil {
			return errors.E(err, "insert", r.SampleID)
		}
	}
	if extra != nil {
		if err = extra(tx); err != nil {
			return errors.E(err, "update", s.path)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.E(err, "commit", s.path)
	}
	return nil
}

// Reindex rebuilds the gene index.
func (s *Store) Reindex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "REINDEX "+Index); err != nil {
		return errors.E(err, "reindex", s.path)
	}
	return nil
}

// Rows returns the rows of a gene, ordered by key. Coverage blobs are
// returned uncompressed.
func (s *Store) Rows(ctx context.Context, geneID string) ([]Row, error) {
	var rows []Row
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT sample_id, geneID, jxn, wiggles FROM "+Table+" WHERE geneID = ? ORDER BY sample_id", geneID); err != nil {
		return nil, errors.E(err, "query", s.path, geneID)
	}
	if !s.compress {
		return rows, nil
	}
	for i := range rows {
		raw, err := snappy.Decode(nil, rows[i].Wiggles)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "decode coverage", rows[i].SampleID)
		}
		rows[i].Wiggles = raw
	}
	return rows, nil
}

// Count returns the number of rows in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+Table); err != nil {
		return 0, errors.E(err, "count", s.path)
	}
	return n, nil
}

// Close releases the store and its lock.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		if e := s.db.Close(); e != nil {
			err = errors.E(e, "close", s.path)
		}
		s.db = nil
	}
	if s.lock != nil {
		// Closing the descriptor drops the flock.
		if e := s.lock.Close(); e != nil && err == nil {
			err = errors.E(e, "unlock", s.path)
		}
		s.lock = nil
	}
	return err
}
