// Package bamprovider reads the records of an indexed BAM file that overlap a
// genomic region. NewFakeProvider serves records from memory for tests.
package bamprovider
