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

// Package event derives the catalog of genomic events (named coordinate
// windows, typically alternative-splicing loci) whose coverage is extracted
// for every sample.
package event

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Event is a named coordinate window. Start and End bound the union of all
// isoforms of the event.
type Event struct {
	Name  string
	Chrom string
	Start int
	End   int
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s:%d-%d)", e.Name, e.Chrom, e.Start, e.End)
}

// SummaryRow is one row of a MISO summary table, reduced to the columns the
// catalog needs. MRNAStarts and MRNAEnds are comma-separated integer lists,
// one value per isoform.
type SummaryRow struct {
	EventName  string `db:"event_name" tsv:"event_name"`
	MRNAStarts string `db:"mRNA_starts" tsv:"mRNA_starts"`
	MRNAEnds   string `db:"mRNA_ends" tsv:"mRNA_ends"`
	Chrom      string `db:"chrom" tsv:"chrom"`
}

// Derive collapses rows into one Event per distinct event name. The span of
// an event is (min of all starts, max of all ends) across every row sharing
// its name. Events are returned in the order their names first appear.
//
// A row with a malformed coordinate list is an error; no event is emitted with
// partial bounds.
func Derive(rows []SummaryRow) ([]Event, error) {
	index := map[string]int{}
	events := []Event{}
	for _, row := range rows {
		start, end, err := span(row)
		if err != nil {
			return nil, err
		}
		if i, ok := index[row.EventName]; ok {
			e := &events[i]
			if start < e.Start {
				e.Start = start
			}
			if end > e.End {
				e.End = end
			}
			continue
		}
		index[row.EventName] = len(events)
		events = append(events, Event{Name: row.EventName, Chrom: row.Chrom, Start: start, End: end})
	}
	return events, nil
}

func span(row SummaryRow) (start, end int, err error) {
	starts, err := parseCoords(row.EventName, "mRNA_starts", row.MRNAStarts)
	if err != nil {
		return
	}
	ends, err := parseCoords(row.EventName, "mRNA_ends", row.MRNAEnds)
	if err != nil {
		return
	}
	start, end = starts[0], ends[0]
	for _, v := range starts[1:] {
		if v < start {
			start = v
		}
	}
	for _, v := range ends[1:] {
		if v > end {
			end = v
		}
	}
	if start > end {
		err = errors.E(errors.Invalid, fmt.Sprintf("event %s: start %d after end %d", row.EventName, start, end))
	}
	return
}

func parseCoords(name, column, list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("event %s: empty %s", name, column))
	}
	parts := strings.Split(list, ",")
	coords := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("event %s: malformed %s %q", name, column, list))
		}
		coords[i] = v
	}
	return coords, nil
}
