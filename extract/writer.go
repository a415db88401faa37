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

// Package extract computes, for one sample, the downsampled coverage and the
// junction counts of every event in a catalog, and appends them to a pair of
// per-sample files.
//
// The files double as a journal: events already present in both of them are
// not recomputed, so an interrupted run is resumed by running it again with
// the same arguments. Each event is appended to both files before the next
// one is computed; at most the event in flight when a run stops is lost.
package extract

import (
	"context"
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vials/coverage"
	"github.com/grailbio/vials/event"
	"github.com/grailbio/vials/wiggle"
)

// Opts configures a Writer.
type Opts struct {
	// JunctionPath and CoveragePath name the two output files. See Paths.
	JunctionPath string
	CoveragePath string
	// Resolution is the number of coverage values kept per event.
	Resolution int
	// Format is the layout of the output files.
	Format Format
	// Recompute discards existing output produced with a different resolution
	// or format. Without it, such output is an errors.Precondition error.
	Recompute bool
	// ProgressInterval is the number of computed events between progress log
	// messages. Zero disables them.
	ProgressInterval int
}

// DefaultOpts holds the default extraction options. The output paths have no
// default.
var DefaultOpts = Opts{
	Resolution:       wiggle.DefaultResolution,
	Format:           Framed,
	ProgressInterval: 100,
}

// Stats summarizes one Extend call.
type Stats struct {
	// Events is the size of the catalog.
	Events int
	// Resumed counts events found complete in existing output.
	Resumed int
	// Computed counts events extracted and appended by this call.
	Computed int
}

// Writer extends the output files of one sample. A Writer assumes exclusive
// ownership of its files while Extend runs.
type Writer struct {
	opts Opts
}

// NewWriter creates a Writer.
func NewWriter(opts Opts) *Writer {
	if opts.Resolution <= 0 {
		opts.Resolution = DefaultOpts.Resolution
	}
	return &Writer{opts: opts}
}

func (w *Writer) metaPath() string {
	return w.opts.JunctionPath + MetaSuffix
}

func (w *Writer) parseJunction(line string) (string, bool) {
	name, _, ok := ParseJunctionLine(w.opts.Format, line)
	return name, ok
}

func (w *Writer) parseCoverage(line string) (string, bool) {
	name, _, ok := ParseCoverageLine(w.opts.Format, line)
	return name, ok
}

// checkMeta compares the parameters recorded for existing output with the
// current ones. It returns true if the existing output must be discarded.
func (w *Writer) checkMeta(events []event.Event) (reset bool, err error) {
	m, ok, err := readMeta(w.metaPath())
	if err != nil || !ok {
		return false, err
	}
	if m.Resolution == w.opts.Resolution && m.Format == w.opts.Format.String() {
		if fp := catalogFingerprint(events); m.Catalog != fp {
			log.Printf("%s: event catalog changed since the last run (%d -> %d events)",
				w.opts.JunctionPath, m.Events, len(events))
		}
		return false, nil
	}
	if !w.opts.Recompute {
		return false, errors.E(errors.Precondition,
			fmt.Sprintf("%s was produced with resolution %d, format %s; requested resolution %d, format %s (set recompute to start over)",
				w.opts.JunctionPath, m.Resolution, m.Format, w.opts.Resolution, w.opts.Format))
	}
	log.Printf("%s: discarding output produced with resolution %d, format %s",
		w.opts.JunctionPath, m.Resolution, m.Format)
	return true, nil
}

// Extend appends the events missing from the output files, in catalog order.
// Events already present in both files are skipped, whatever their position
// in the catalog. On return both files are complete and, for the framed
// format, closed. If nothing is missing and the files are already
// consistent, they are left untouched.
//
// src must read the sample the files belong to. An error from src aborts the
// run; the files stay valid and the run can be resumed.
func (w *Writer) Extend(ctx context.Context, events []event.Event, src coverage.Provider) (Stats, error) {
	stats := Stats{Events: len(events)}
	opts := w.opts
	if opts.JunctionPath == "" || opts.CoveragePath == "" {
		return stats, errors.E(errors.Invalid, "extract: output paths must be set")
	}
	framed := opts.Format == Framed

	reset, err := w.checkMeta(events)
	if err != nil {
		return stats, err
	}
	jj, err := readJournal(opts.JunctionPath, framed, w.parseJunction)
	if err != nil {
		return stats, err
	}
	cj, err := readJournal(opts.CoveragePath, false, w.parseCoverage)
	if err != nil {
		return stats, err
	}

	// Events are complete only if both files have them, in the same order.
	n := 0
	if !reset {
		for n < len(jj.entries) && n < len(cj.entries) && jj.entries[n].name == cj.entries[n].name {
			n++
		}
	}
	if framed && !jj.hasHeader && n > 0 {
		// Not a file this package wrote.
		return stats, errors.E(errors.Invalid, fmt.Sprintf("%s: missing header line", opts.JunctionPath))
	}
	done := make(map[string]bool, n)
	for _, e := range jj.entries[:n] {
		done[e.name] = true
	}
	var todo []event.Event
	for _, e := range events {
		if done[e.Name] {
			stats.Resumed++
			continue
		}
		todo = append(todo, e)
		done[e.Name] = true
	}

	jKeep, cKeep := jj.keep(n), cj.keep(n)
	if reset {
		jKeep, cKeep = 0, 0
	}
	jClean := jj.exists && n == len(jj.entries)
	if framed {
		jClean = jClean && jj.hasHeader && jj.closed
	} else {
		jClean = jClean && jj.size == jKeep
	}
	cClean := cj.exists && cj.size == cKeep
	if len(todo) == 0 && jClean && cClean && !reset {
		log.Printf("%s: all %d events already extracted", opts.JunctionPath, len(events))
		return stats, w.finish(events)
	}
	if jj.size > jKeep || cj.size > cKeep {
		log.Printf("%s: resuming after %d events (dropping %d+%d trailing bytes)",
			opts.JunctionPath, n, jj.size-jKeep, cj.size-cKeep)
	}

	jout, err := openTruncated(opts.JunctionPath, jKeep)
	if err != nil {
		return stats, err
	}
	defer jout.Close() // nolint: errcheck
	cout, err := openTruncated(opts.CoveragePath, cKeep)
	if err != nil {
		return stats, err
	}
	defer cout.Close() // nolint: errcheck
	if err := w.begin(events); err != nil {
		return stats, err
	}

	if framed && jKeep == 0 {
		if _, err := jout.WriteString(framedHeader); err != nil {
			return stats, errors.E(err, "write", opts.JunctionPath)
		}
	}
	for _, e := range todo {
		if err := w.extendOne(ctx, e, src, jout, cout); err != nil {
			return stats, err
		}
		stats.Computed++
		if opts.ProgressInterval > 0 && stats.Computed%opts.ProgressInterval == 0 {
			log.Printf("%s: %d/%d events extracted", opts.JunctionPath, stats.Computed, len(todo))
		}
	}
	if framed {
		if _, err := jout.WriteString(framedFooter); err != nil {
			return stats, errors.E(err, "write", opts.JunctionPath)
		}
	}
	if err := jout.Close(); err != nil {
		return stats, errors.E(err, "close", opts.JunctionPath)
	}
	if err := cout.Close(); err != nil {
		return stats, errors.E(err, "close", opts.CoveragePath)
	}
	log.Printf("%s: extracted %d events, %d resumed", opts.JunctionPath, stats.Computed, stats.Resumed)
	return stats, w.finish(events)
}

// extendOne computes one event and appends it to both files. Both lines are
// rendered before either is written.
func (w *Writer) extendOne(ctx context.Context, e event.Event, src coverage.Provider, jout, cout *os.File) error {
	res, err := src.Coverage(ctx, coverage.Region{Chrom: e.Chrom, Start: e.Start, End: e.End})
	if err != nil {
		return errors.E(err, "extract", e.String())
	}
	jline, err := JunctionLine(w.opts.Format, e.Name, res.Junctions)
	if err != nil {
		return err
	}
	cline, err := CoverageLine(w.opts.Format, e.Name, wiggle.Downsample(res.Depth, w.opts.Resolution))
	if err != nil {
		return err
	}
	log.Debug.Printf("%v: %d bases, %d junctions", e, len(res.Depth), len(res.Junctions))
	if _, err := jout.WriteString(jline); err != nil {
		return errors.E(err, "write", w.opts.JunctionPath)
	}
	if _, err := cout.WriteString(cline); err != nil {
		return errors.E(err, "write", w.opts.CoveragePath)
	}
	return nil
}

// begin records the parameters of the run before anything is appended, so
// that a resumed run is checked against them even if this one is
// interrupted. The catalog recorded by the last complete run is kept.
func (w *Writer) begin(events []event.Event) error {
	m := meta{
		Resolution: w.opts.Resolution,
		Format:     w.opts.Format.String(),
		Events:     len(events),
		Catalog:    catalogFingerprint(events),
	}
	old, ok, err := readMeta(w.metaPath())
	if err != nil {
		return err
	}
	if ok {
		if old.Resolution == m.Resolution && old.Format == m.Format {
			return nil
		}
		m.Events, m.Catalog = old.Events, old.Catalog
	}
	return writeMeta(w.metaPath(), m)
}

// finish records the parameters of the run next to the outputs, unless they
// are already recorded.
func (w *Writer) finish(events []event.Event) error {
	m := meta{
		Resolution: w.opts.Resolution,
		Format:     w.opts.Format.String(),
		Events:     len(events),
		Catalog:    catalogFingerprint(events),
	}
	if old, ok, err := readMeta(w.metaPath()); err == nil && ok && old == m {
		return nil
	}
	return writeMeta(w.metaPath(), m)
}

// openTruncated opens path for appending after truncating it to size bytes.
// The file is created if needed.
func openTruncated(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() // nolint: errcheck
		return nil, errors.E(err, "stat", path)
	}
	if info.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close() // nolint: errcheck
			return nil, errors.E(err, "truncate", path)
		}
	}
	return f, nil
}
