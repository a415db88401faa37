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
package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vials/extract"
)

// DefaultSampleRE extracts the sample name from an output file name such as
// "project_S1.bam.json".
const DefaultSampleRE = `_(.*)[.]bam`

// Opts configures a Merger.
type Opts struct {
	// SampleRE derives a sample name from an output file's base name. If it
	// has a capturing group the first group is used, otherwise the whole
	// match. A file name that does not match yields the empty sample name.
	SampleRE string
	// SampleID, if set, is used as the sample name of every input file.
	SampleID string
	// Force merges output pairs whose content is unchanged since they were
	// last merged.
	Force bool
}

// DefaultOpts holds the default merge options.
var DefaultOpts = Opts{SampleRE: DefaultSampleRE}

// Stats summarizes a merge.
type Stats struct {
	// Files counts merged output pairs; Skipped those that could not be
	// merged; Unchanged those identical to their last merge.
	Files, Skipped, Unchanged int
	// Rows counts rows written to the store.
	Rows int
}

// Merger folds per-sample extraction outputs into a Store.
type Merger struct {
	opts Opts
	re   *regexp.Regexp
}

// NewMerger creates a Merger. An invalid SampleRE is an errors.Invalid error.
func NewMerger(opts Opts) (*Merger, error) {
	if opts.SampleRE == "" {
		opts.SampleRE = DefaultSampleRE
	}
	re, err := regexp.Compile(opts.SampleRE)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "sample pattern", opts.SampleRE)
	}
	return &Merger{opts: opts, re: re}, nil
}

// SampleID returns the sample name of the output file at path.
func (m *Merger) SampleID(path string) string {
	if m.opts.SampleID != "" {
		return m.opts.SampleID
	}
	match := m.re.FindStringSubmatch(filepath.Base(path))
	switch {
	case match == nil:
		return ""
	case len(match) > 1:
		return match[1]
	}
	return match[0]
}

type pair struct {
	format        extract.Format
	junction, cov string
}

// pairs lists the junction files of dir, with the coverage file each should
// pair with.
func pairs(ctx context.Context, dir string) ([]pair, error) {
	var out []pair
	lister := file.List(ctx, dir, false)
	for lister.Scan() {
		path := lister.Path()
		// Records suffixes end in ".jsonl" and never collide with ".json".
		for _, f := range []extract.Format{extract.Records, extract.Framed} {
			js, cs := f.Suffixes()
			if strings.HasSuffix(path, js) {
				out = append(out, pair{format: f, junction: path, cov: strings.TrimSuffix(path, js) + cs})
				break
			}
		}
	}
	if err := lister.Err(); err != nil {
		return nil, errors.E(err, "list", dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].junction < out[j].junction })
	return out, nil
}

// Merge writes a row to s for every event present in both files of every
// output pair in inputDir. Pairs that are incomplete or unreadable are logged
// and skipped. The gene index is rebuilt once at the end.
func (m *Merger) Merge(ctx context.Context, inputDir string, s *Store) (Stats, error) {
	var stats Stats
	info, err := os.Stat(inputDir)
	if err != nil {
		return stats, errors.E(errors.NotExist, err, "merge input directory", inputDir)
	}
	if !info.IsDir() {
		return stats, errors.E(errors.NotExist, fmt.Sprintf("merge input %s is not a directory", inputDir))
	}
	ps, err := pairs(ctx, inputDir)
	if err != nil {
		return stats, err
	}
	for _, p := range ps {
		rows, digest, err := m.rows(ctx, p)
		if err == nil && !m.opts.Force {
			var last string
			if last, err = s.InputDigest(ctx, p.junction); err == nil && last == digest {
				log.Debug.Printf("%s: unchanged since the last merge", p.junction)
				stats.Unchanged++
				continue
			}
		}
		if err == nil {
			err = s.PutInput(ctx, p.junction, digest, rows)
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			log.Error.Printf("skipping %s: %v", p.junction, err)
			stats.Skipped++
			continue
		}
		stats.Files++
		stats.Rows += len(rows)
		log.Printf("merged %s: %d events", p.junction, len(rows))
	}
	if err := s.Reindex(ctx); err != nil {
		return stats, err
	}
	log.Printf("merged %d file pairs (%d rows) into %s, %d unchanged, %d skipped",
		stats.Files, stats.Rows, s.Path(), stats.Unchanged, stats.Skipped)
	return stats, nil
}

// rows reads one output pair into store rows, in junction file order, and
// returns a digest of the pair's content.
func (m *Merger) rows(ctx context.Context, p pair) ([]Row, string, error) {
	var (
		names []string
		jxns  = map[string]string{}
		covs  = map[string]string{}
		h     = seahash.New()
	)
	err := scanLines(ctx, p.junction, h, func(line string) error {
		name, payload, ok := extract.ParseJunctionLine(p.format, line)
		if !ok {
			return nil
		}
		if !json.Valid([]byte(payload)) {
			return errors.E(errors.Invalid, fmt.Sprintf("junctions of %s are not valid JSON", name))
		}
		if _, dup := jxns[name]; !dup {
			names = append(names, name)
		}
		jxns[name] = payload
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	h.Write([]byte{0}) // nolint: errcheck
	err = scanLines(ctx, p.cov, h, func(line string) error {
		if name, payload, ok := extract.ParseCoverageLine(p.format, line); ok {
			covs[name] = payload
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	sample := m.SampleID(p.junction)
	if sample == "" {
		log.Printf("%s: no sample name in file name, using the empty name", p.junction)
	}
	rows := make([]Row, 0, len(names))
	for _, name := range names {
		cov, ok := covs[name]
		if !ok {
			log.Debug.Printf("%s: %s has no coverage line", p.junction, name)
			continue
		}
		rows = append(rows, Row{
			SampleID:  Key(name, sample),
			GeneID:    name,
			Junctions: jxns[name],
			Wiggles:   []byte(cov),
		})
	}
	// The sample name is part of the rows' identity.
	h.Write([]byte(sample)) // nolint: errcheck
	return rows, fmt.Sprintf("%016x", h.Sum64()), nil
}

// scanLines calls fn on each line of path, and adds each line to h.
func scanLines(ctx context.Context, path string, h io.Writer, fn func(line string) error) error {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(errors.NotExist, err, "open", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	scanner := bufio.NewScanner(in.Reader(ctx))
	scanner.Buffer(nil, 1<<28)
	for scanner.Scan() {
		h.Write(scanner.Bytes()) // nolint: errcheck
		h.Write([]byte{'\n'})    // nolint: errcheck
		if err := fn(scanner.Text()); err != nil {
			return errors.E(err, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.E(err, "read", path)
	}
	return nil
}
