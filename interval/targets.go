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
package interval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/biogo/store/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
)

// Entry is a half-open, 0-based interval on Chrom.
type Entry struct {
	Chrom      string
	Start, End int
}

func (e Entry) String() string {
	return fmt.Sprintf("%s:%d-%d", e.Chrom, e.Start, e.End)
}

type node struct {
	id         uintptr
	start, end int
}

func (n node) Overlap(b interval.IntRange) bool { return n.start < b.End && b.Start < n.end }
func (n node) ID() uintptr                      { return n.id }
func (n node) Range() interval.IntRange         { return interval.IntRange{Start: n.start, End: n.end} }

type query struct{ start, end int }

func (q query) Overlap(b interval.IntRange) bool { return q.start < b.End && b.Start < q.end }

// Targets is a set of regions, indexed per chromosome. Chromosome names are
// compared without their "chr" prefix.
type Targets struct {
	trees map[string]*interval.IntTree
	n     int
}

func chromKey(chrom string) string {
	return strings.TrimPrefix(chrom, "chr")
}

// NewTargets indexes entries. Empty entries are dropped.
func NewTargets(entries []Entry) (*Targets, error) {
	t := &Targets{trees: map[string]*interval.IntTree{}}
	for _, e := range entries {
		if e.End <= e.Start {
			continue
		}
		key := chromKey(e.Chrom)
		tree := t.trees[key]
		if tree == nil {
			tree = &interval.IntTree{}
			t.trees[key] = tree
		}
		if err := tree.Insert(node{id: uintptr(t.n), start: e.Start, end: e.End}, true); err != nil {
			return nil, errors.E(errors.Invalid, err, "index", e.String())
		}
		t.n++
	}
	for _, tree := range t.trees {
		tree.AdjustRanges()
	}
	return t, nil
}

// Len returns the number of indexed regions.
func (t *Targets) Len() int { return t.n }

// Overlaps reports whether [start, end) on chrom intersects any region.
func (t *Targets) Overlaps(chrom string, start, end int) bool {
	tree := t.trees[chromKey(chrom)]
	if tree == nil || end <= start {
		return false
	}
	return len(tree.Get(query{start: start, end: end})) > 0
}

// ReadBED parses the first three columns of each BED line. Header, track,
// browser and comment lines are skipped.
func ReadBED(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || line[0] == '#' || strings.HasPrefix(line, "track") || strings.HasPrefix(line, "browser") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("line %d: want at least 3 columns, got %q", lineno, line))
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("line %d: start", lineno))
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("line %d: end", lineno))
		}
		entries = append(entries, Entry{Chrom: fields[0], Start: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadBED reads the BED file at path, gunzipping it if its name ends in
// ".gz", and indexes its regions.
func LoadBED(ctx context.Context, path string) (targets *Targets, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "bed", path)
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
	entries, err := ReadBED(r)
	if err != nil {
		return nil, errors.E(err, path)
	}
	if targets, err = NewTargets(entries); err != nil {
		return nil, err
	}
	log.Debug.Printf("%s: %d target regions", path, targets.Len())
	return targets, nil
}
