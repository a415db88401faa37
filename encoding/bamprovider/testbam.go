package bamprovider

import (
	"bytes"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

// NewRecord creates a record with a synthetic sequence and base qualities
// consistent with cigar. It is meant for building test inputs.
func NewRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, mapq byte, cigar sam.Cigar) *sam.Record {
	_, readLen := cigar.Lengths()
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MapQ = mapq
	r.Flags = flags
	r.Cigar = cigar
	r.MateRef = nil
	r.MatePos = -1
	r.Seq = sam.NewSeq(bytes.Repeat([]byte{'A'}, readLen))
	r.Qual = bytes.Repeat([]byte{30}, readLen)
	return r
}

// WriteIndexedBAM writes recs to a BAM file at path, then builds its index at
// path+".bai". recs must be sorted by coordinate. It is meant for building test
// inputs.
func WriteIndexedBAM(path string, header *sam.Header, recs []*sam.Record) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	w, err := bam.NewWriter(out, header, 1)
	if err != nil {
		out.Close() // nolint: errcheck
		return errors.E(err, "bam writer", path)
	}
	for _, r := range recs {
		if err = w.Write(r); err != nil {
			out.Close() // nolint: errcheck
			return errors.E(err, "write record", r.Name, path)
		}
	}
	if err = w.Close(); err != nil {
		out.Close() // nolint: errcheck
		return errors.E(err, "close bam writer", path)
	}
	if err = out.Close(); err != nil {
		return errors.E(err, "close", path)
	}

	in, err := os.Open(path)
	if err != nil {
		return errors.E(err, "open", path)
	}
	defer func() {
		if e := in.Close(); e != nil && err == nil {
			err = e
		}
	}()
	r, err := bam.NewReader(in, 1)
	if err != nil {
		return errors.E(err, "bam reader", path)
	}
	var idx bam.Index
	for {
		rec, e := r.Read()
		if e == io.EOF {
			break
		}
		if e != nil {
			return errors.E(e, "read", path)
		}
		if e = idx.Add(rec, r.LastChunk()); e != nil {
			return errors.E(e, "index", rec.Name, path)
		}
	}
	indexOut, err := os.Create(path + ".bai")
	if err != nil {
		return errors.E(err, "create index", path)
	}
	if err = bam.WriteIndex(indexOut, &idx); err != nil {
		indexOut.Close() // nolint: errcheck
		return errors.E(err, "write index", path)
	}
	return indexOut.Close()
}
