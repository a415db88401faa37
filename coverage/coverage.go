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

// Package coverage computes, for one sample, the per-base read depth and the
// splice-junction read counts of a genomic region.
package coverage

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/vials/encoding/bamprovider"
	"github.com/grailbio/vials/wiggle"
)

// Region is a half-open, 0-based interval [Start, End) on chromosome Chrom.
type Region struct {
	Chrom      string
	Start, End int
}

func (r Region) String() string {
	return fmt.Sprintf("%s:%d-%d", r.Chrom, r.Start, r.End)
}

// Len returns the number of bases in the region.
func (r Region) Len() int {
	return r.End - r.Start
}

// JunctionMap maps a junction, "<left>:<right>", to the number of reads
// spanning it. left is the 1-based position of the last exonic base before
// the intron, right the 1-based position of the first exonic base after it.
type JunctionMap map[string]int

// Result is the coverage of one region in one sample.
type Result struct {
	// Depth has one value per base of the region. Bases without any aligned
	// read are zero.
	Depth     []float64
	Junctions JunctionMap
}

// Provider extracts coverage for regions of one sample's alignments.
type Provider interface {
	// Coverage returns the depth and junction counts of r. A region on a
	// chromosome absent from the alignments, or past its end, yields zero depth
	// rather than an error.
	Coverage(ctx context.Context, r Region) (Result, error)

	// Close releases the underlying alignment readers.
	Close() error
}

// Opts controls which reads contribute to coverage.
type Opts struct {
	// Index is the BAM index path. Defaults to the BAM path + ".bai".
	Index string
	// FlagExclude skips reads with any of these FLAG bits set.
	FlagExclude int
	// MinMapQ skips reads with a lower mapping quality.
	MinMapQ int
}

// DefaultOpts are the default read filters. Duplicates are counted.
var DefaultOpts = Opts{
	FlagExclude: int(sam.Unmapped | sam.Secondary | sam.QCFail),
	MinMapQ:     0,
}

type provider struct {
	name   string
	opts   Opts
	p      bamprovider.Provider
	header *sam.Header
}

// NewProvider creates a Provider on top of p. name is used in error messages.
func NewProvider(name string, p bamprovider.Provider, opts Opts) (Provider, error) {
	header, err := p.GetHeader()
	if err != nil {
		return nil, errors.E(err, "read header", name)
	}
	return &provider{name: name, opts: opts, p: p, header: header}, nil
}

// NewBAMProvider creates a Provider for the indexed BAM file at path. A
// missing BAM or index file is reported as an errors.NotExist error.
func NewBAMProvider(ctx context.Context, path string, opts Opts) (Provider, error) {
	indexPath := bamprovider.IndexPath(path, bamprovider.ProviderOpts{Index: opts.Index})
	for _, p := range []string{path, indexPath} {
		if _, err := file.Stat(ctx, p); err != nil {
			return nil, errors.E(errors.NotExist, err, "alignment input", p)
		}
	}
	bp := bamprovider.NewProvider(path, bamprovider.ProviderOpts{Index: opts.Index})
	cp, err := NewProvider(path, bp, opts)
	if err != nil {
		bp.Close() // nolint: errcheck
		return nil, err
	}
	return cp, nil
}

// Coverage implements Provider.
func (p *provider) Coverage(ctx context.Context, r Region) (Result, error) {
	if r.End < r.Start {
		return Result{}, errors.E(errors.Invalid, fmt.Sprintf("coverage: bad region %v", r))
	}
	pu := NewPileup(r, p.opts)
	ref := bamprovider.RefByName(p.header, r.Chrom)
	if ref == nil {
		log.Debug.Printf("%s: no reference %q, reporting zero coverage for %v", p.name, r.Chrom, r)
		return pu.Result(), nil
	}
	iter := p.p.NewIterator(ref, r.Start, r.End)
	for iter.Scan() {
		pu.Add(iter.Record())
	}
	if err := iter.Close(); err != nil {
		return Result{}, errors.E(err, "read", p.name, r.String())
	}
	return pu.Result(), nil
}

// Close implements Provider.
func (p *provider) Close() error {
	return p.p.Close()
}

// Pileup accumulates depth and junction counts for a single region.
type Pileup struct {
	region    Region
	opts      Opts
	depth     []float64
	junctions JunctionMap
}

// NewPileup creates an empty Pileup for r.
func NewPileup(r Region, opts Opts) *Pileup {
	return &Pileup{
		region:    r,
		opts:      opts,
		depth:     wiggle.Zeros(r.Len()),
		junctions: JunctionMap{},
	}
}

// Add adds one read to the pileup. Filtered reads and reads crossing more
// than one junction are ignored.
func (p *Pileup) Add(rec *sam.Record) {
	if int(rec.Flags)&p.opts.FlagExclude != 0 || int(rec.MapQ) < p.opts.MinMapQ {
		return
	}
	nSkip := 0
	for _, co := range rec.Cigar {
		if co.Type() == sam.CigarSkipped {
			nSkip++
		}
	}
	if nSkip > 1 {
		log.Debug.Printf("skipping read %s crossing %d junctions", rec.Name, nSkip)
		return
	}
	start, end := p.region.Start, p.region.End
	pos := rec.Pos
	for _, co := range rec.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			lo, hi := pos, pos+n
			if lo < start {
				lo = start
			}
			if hi > end {
				hi = end
			}
			for i := lo; i < hi; i++ {
				p.depth[i-start]++
			}
		case sam.CigarSkipped:
			left, right := pos, pos+n+1
			if left > start && left < end && right > start && right < end {
				p.junctions[fmt.Sprintf("%d:%d", left, right)]++
			}
		}
		if co.Type().Consumes().Reference == 1 {
			pos += n
		}
	}
}

// Result returns the accumulated coverage.
func (p *Pileup) Result() Result {
	return Result{Depth: p.depth, Junctions: p.junctions}
}
