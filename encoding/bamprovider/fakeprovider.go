package bamprovider

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// fakeProvider serves records from memory, for tests.
type fakeProvider struct {
	header *sam.Header
	recs   []*sam.Record
}

// NewFakeProvider returns a Provider whose header is header and whose
// iterators yield the records of recs overlapping the requested region. recs
// must be sorted by coordinate.
func NewFakeProvider(header *sam.Header, recs []*sam.Record) Provider {
	return &fakeProvider{header: header, recs: recs}
}

func (p *fakeProvider) GetHeader() (*sam.Header, error) { return p.header, nil }

func (p *fakeProvider) Close() error { return nil }

func (p *fakeProvider) NewIterator(ref *sam.Reference, start, end int) Iterator {
	if ref == nil || ref.ID() < 0 {
		return &sliceIterator{err: fmt.Errorf("fakeProvider: reference %v not in header", ref)}
	}
	var recs []*sam.Record
	for _, r := range p.recs {
		if r.Ref != nil && r.Ref.ID() == ref.ID() && r.Pos < end && r.End() > start {
			recs = append(recs, r)
		}
	}
	return &sliceIterator{recs: recs, i: -1}
}

// sliceIterator yields copies of recs, so that the code under test cannot
// alter the test input.
type sliceIterator struct {
	recs []*sam.Record
	i    int
	err  error
}

func (it *sliceIterator) Scan() bool {
	if it.err != nil || it.i+1 >= len(it.recs) {
		return false
	}
	it.i++
	return true
}

func (it *sliceIterator) Record() *sam.Record {
	r := sam.GetFromFreePool()
	*r = *it.recs[it.i]
	return r
}

func (it *sliceIterator) Err() error   { return it.err }
func (it *sliceIterator) Close() error { return it.err }
