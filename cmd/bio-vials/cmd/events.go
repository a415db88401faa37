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
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vials/event"
	"github.com/grailbio/vials/interval"
	"github.com/grailbio/vials/project"
)

// catalogOpts select the event catalog.
type catalogOpts struct {
	filter, chrom, tsv, bed string
}

// loadCatalog derives the event catalog of the project at dir.
func loadCatalog(ctx context.Context, opts catalogOpts, dir string) ([]event.Event, error) {
	filter, err := event.ParseFilter(opts.filter)
	if err != nil {
		return nil, err
	}
	if opts.chrom != "" {
		filter = append(filter, event.ChromClause(opts.chrom))
	}
	var events []event.Event
	if opts.tsv != "" {
		events, err = event.FromTSV(ctx, opts.tsv, "", filter)
	} else {
		p, e := project.Load(ctx, dir)
		if e != nil {
			return nil, e
		}
		db, e := event.OpenSummaryDB(ctx, p.SummaryDBPath())
		if e != nil {
			return nil, e
		}
		events, err = event.FromDB(ctx, db, filter)
		if e := db.Close(); e != nil && err == nil {
			err = errors.E(e, "close", p.SummaryDBPath())
		}
	}
	if err != nil {
		return nil, err
	}
	if opts.bed != "" {
		targets, err := interval.LoadBED(ctx, opts.bed)
		if err != nil {
			return nil, err
		}
		kept := events[:0]
		for _, e := range events {
			if targets.Overlaps(e.Chrom, e.Start, e.End) {
				kept = append(kept, e)
			}
		}
		log.Printf("%d of %d events overlap %s", len(kept), len(events), opts.bed)
		events = kept
	}
	log.Printf("%d events", len(events))
	return events, nil
}

func runEvents(ctx context.Context, out io.Writer, opts catalogOpts, dir string) error {
	events, err := loadCatalog(ctx, opts, dir)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, "event_name\tchrom\tstart\tend"); err != nil {
		return err
	}
	for _, e := range events {
		if _, err := fmt.Fprintf(out, "%s\t%s\t%d\t%d\n", e.Name, e.Chrom, e.Start, e.End); err != nil {
			return err
		}
	}
	return nil
}
