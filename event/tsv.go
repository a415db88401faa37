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
	"io"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
)

// misoRow holds the columns of a .miso_summary file that FromTSV uses;
// remaining columns are ignored.
type misoRow struct {
	EventName  string `tsv:"event_name"`
	Isoforms   string `tsv:"isoforms"`
	Chrom      string `tsv:"chrom"`
	Strand     string `tsv:"strand"`
	MRNAStarts string `tsv:"mRNA_starts"`
	MRNAEnds   string `tsv:"mRNA_ends"`
}

// FromTSV derives the event catalog directly from a MISO summary file
// (optionally gzip-compressed, detected by a ".gz" suffix). Chromosome names
// lose their "chr" prefix, as they do when summaries are loaded into the
// summary database. The "sample" column of f compares against sample.
// Events are ordered by name.
func FromTSV(ctx context.Context, path, sample string, f Filter) (events []Event, err error) {
	if err = f.Validate(); err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "summary file", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	var r io.Reader = in.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, e := gzip.NewReader(r)
		if e != nil {
			return nil, errors.E(e, "gunzip", path)
		}
		defer gz.Close() // nolint: errcheck
		r = gz
	}

	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	var rows []SummaryRow
	for {
		var row misoRow
		if e := tr.Read(&row); e != nil {
			if e == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, e, "read", path)
		}
		chrom := strings.TrimPrefix(row.Chrom, "chr")
		fields := map[string]string{
			"event_name": row.EventName,
			"chrom":      chrom,
			"strand":     row.Strand,
			"sample":     sample,
			"isoforms":   row.Isoforms,
		}
		if !f.Match(fields) {
			continue
		}
		rows = append(rows, SummaryRow{
			EventName:  row.EventName,
			MRNAStarts: row.MRNAStarts,
			MRNAEnds:   row.MRNAEnds,
			Chrom:      chrom,
		})
	}
	if events, err = Derive(rows); err != nil {
		return nil, errors.E(err, path)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Name < events[j].Name })
	return events, nil
}
