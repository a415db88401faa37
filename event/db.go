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
package event

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/jmoiron/sqlx"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
)

// SummaryTable is the table of per-sample MISO summaries in a project's
// summary database.
const SummaryTable = "miso_summaries"

// OpenSummaryDB opens the summary database at path. The file must exist; it is
// never created here.
func OpenSummaryDB(ctx context.Context, path string) (*sqlx.DB, error) {
	if _, err := file.Stat(ctx, path); err != nil {
		return nil, errors.E(errors.NotExist, err, "summary database", path)
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.E(err, "open summary database", path)
	}
	return db, nil
}

// FromDB derives the event catalog from the summary table, restricted to the
// rows matching f. Events are ordered by name.
func FromDB(ctx context.Context, db *sqlx.DB, f Filter) ([]Event, error) {
	where, args, err := f.Where()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT DISTINCT event_name, mRNA_starts, mRNA_ends, chrom FROM %s%s ORDER BY event_name",
		SummaryTable, where)
	var rows []SummaryRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.E(err, "query", SummaryTable)
	}
	return Derive(rows)
}
