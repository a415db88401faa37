package bamprovider

import (
	"strings"

	"github.com/grailbio/hts/sam"
)

// ProviderOpts defines options for NewProvider.
type ProviderOpts struct {
	// Index is the BAM index path. Defaults to the BAM path + ".bai".
	Index string
}

// Provider reads the records of an alignment file region by region.
type Provider interface {
	// GetHeader returns the file header. The caller must not modify it.
	GetHeader() (*sam.Header, error)

	// NewIterator returns the mapped records of ref that overlap the
	// half-open, 0-based range [start, end), in coordinate order. ref must
	// come from the header returned by GetHeader. An error opening the
	// file is reported by the iterator.
	NewIterator(ref *sam.Reference, start, end int) Iterator

	// Close releases the file. It returns the first error encountered while
	// opening or closing it. All iterators must be closed first.
	Close() error
}

// Iterator walks the records of one region.
type Iterator interface {
	// Scan advances to the next record. It returns false at the end of the
	// region or on error.
	Scan() bool

	// Record returns the record Scan advanced to. It is valid until the
	// next Scan.
	Record() *sam.Record

	// Err returns the error that stopped Scan, if any.
	Err() error

	// Close releases the iterator and returns Err(). It must be called
	// exactly once.
	Close() error
}

// NewProvider returns a Provider for the indexed BAM file at path.
func NewProvider(path string, opts ProviderOpts) Provider {
	return &BAMProvider{Path: path, Index: opts.Index}
}

// IndexPath returns the index pathname used for the BAM file at path.
func IndexPath(path string, opts ProviderOpts) string {
	if opts.Index != "" {
		return opts.Index
	}
	return path + ".bai"
}

// RefByName finds a sam.Reference with the given name. If there is no exact
// match, the name is retried with its "chr" prefix toggled, since summary
// tables and alignments often disagree on that convention. It returns nil if
// a reference is not found.
func RefByName(h *sam.Header, refName string) *sam.Reference {
	alt := "chr" + refName
	if strings.HasPrefix(refName, "chr") {
		alt = strings.TrimPrefix(refName, "chr")
	}
	var altRef *sam.Reference
	for _, ref := range h.Refs() {
		switch ref.Name() {
		case refName:
			return ref
		case alt:
			altRef = ref
		}
	}
	return altRef
}
