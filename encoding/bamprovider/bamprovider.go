package bamprovider

import (
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
)

// BAMProvider implements Provider for an indexed BAM file. Both paths may
// name any file grailbio/base/file can open, e.g. S3 URLs.
//
// The file and its index are opened on first use and stay open until Close.
// Regions are read by seeking the one underlying reader, so at most one
// iterator may be open at a time.
type BAMProvider struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	// Index is the pathname of *.bam.bai file. If "", Path + ".bai"
	Index string

	mu     sync.Mutex
	err    errors.Once
	opened bool
	in     file.File
	reader *bam.Reader
	index  *bam.Index
	header *sam.Header
	iter   *regionIterator
}

// open opens the BAM file and its index, once. REQUIRES: b.mu is held.
func (b *BAMProvider) open() error {
	if b.opened {
		return b.err.Err()
	}
	b.opened = true
	ctx := vcontext.Background()
	indexPath := IndexPath(b.Path, ProviderOpts{Index: b.Index})
	indexIn, err := file.Open(ctx, indexPath)
	if err != nil {
		b.err.Set(err)
		return err
	}
	b.index, err = bam.ReadIndex(indexIn.Reader(ctx))
	if e := indexIn.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		b.err.Set(fmt.Errorf("%s: %v", indexPath, err))
		return b.err.Err()
	}
	if b.in, err = file.Open(ctx, b.Path); err != nil {
		b.err.Set(err)
		return err
	}
	if b.reader, err = bam.NewReader(b.in.Reader(ctx), 1); err != nil {
		b.err.Set(fmt.Errorf("%s: %v", b.Path, err))
		return b.err.Err()
	}
	b.header = b.reader.Header()
	return nil
}

// GetHeader implements the Provider interface.
func (b *BAMProvider) GetHeader() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.open(); err != nil {
		return nil, err
	}
	return b.header, nil
}

// NewIterator implements the Provider interface.
func (b *BAMProvider) NewIterator(ref *sam.Reference, start, end int) Iterator {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.iter != nil {
		log.Panicf("bamprovider %s: iterator already open", b.Path)
	}
	iter := &regionIterator{provider: b}
	b.iter = iter
	if iter.err = b.open(); iter.err == nil {
		iter.seek(ref, start, end)
	}
	return iter
}

// Close implements the Provider interface.
func (b *BAMProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.iter != nil {
		log.Panicf("bamprovider %s: closed with an open iterator", b.Path)
	}
	if b.reader != nil {
		b.err.Set(b.reader.Close())
		b.reader = nil
	}
	if b.in != nil {
		b.err.Set(b.in.Close(vcontext.Background()))
		b.in = nil
	}
	return b.err.Err()
}

// regionIterator yields the records of one reference that overlap a
// half-open range.
type regionIterator struct {
	provider   *BAMProvider
	refID      int
	start, end int
	rec        *sam.Record
	// err is io.EOF once the range is exhausted.
	err error
}

// seek positions the reader at the first chunk that may hold a record
// overlapping [start, end) on ref.
func (i *regionIterator) seek(ref *sam.Reference, start, end int) {
	b := i.provider
	if ref == nil || ref.ID() < 0 || ref.ID() >= len(b.header.Refs()) {
		i.err = fmt.Errorf("bamprovider: reference %v not in the header of %s", ref, b.Path)
		return
	}
	if start < 0 {
		start = 0
	}
	if end > ref.Len() {
		end = ref.Len()
	}
	i.refID, i.start, i.end = ref.ID(), start, end
	if start >= end {
		i.err = io.EOF
		return
	}
	chunks, err := b.index.Chunks(ref, start, end)
	switch {
	case err == index.ErrInvalid || (err == nil && len(chunks) == 0):
		// The index knows no read in the range.
		i.err = io.EOF
	case err != nil:
		i.err = err
	default:
		i.err = b.reader.Seek(chunks[0].Begin)
	}
}

// Scan implements the Iterator interface.
func (i *regionIterator) Scan() bool {
	if i.provider == nil {
		log.Panicf("bamprovider: Scan after Close")
	}
	for i.err == nil {
		i.rec, i.err = i.provider.reader.Read()
		if i.err != nil {
			break
		}
		ref := i.rec.Ref
		switch {
		case ref == nil || ref.ID() > i.refID || (ref.ID() == i.refID && i.rec.Pos >= i.end):
			// Coordinate order: nothing further can overlap.
			i.err = io.EOF
		case ref.ID() == i.refID && i.rec.End() > i.start:
			return true
		}
	}
	return false
}

// Record implements the Iterator interface.
func (i *regionIterator) Record() *sam.Record {
	return i.rec
}

// Err implements the Iterator interface.
func (i *regionIterator) Err() error {
	if i.err == io.EOF {
		return nil
	}
	return i.err
}

// Close implements the Iterator interface.
func (i *regionIterator) Close() error {
	b := i.provider
	b.mu.Lock()
	b.iter = nil
	b.mu.Unlock()
	i.provider = nil
	return i.Err()
}
