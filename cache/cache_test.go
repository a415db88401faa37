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
package cache_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/vials/cache"
	"github.com/grailbio/vials/coverage"
	"github.com/grailbio/vials/event"
	"github.com/grailbio/vials/extract"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, data string) {
	require.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
}

func openStore(t *testing.T, dir string, opts cache.StoreOpts) *cache.Store {
	s, err := cache.OpenStore(context.Background(), cache.StorePath(dir), opts)
	require.NoError(t, err)
	return s
}

func TestSampleID(t *testing.T) {
	m, err := cache.NewMerger(cache.DefaultOpts)
	require.NoError(t, err)
	expect.EQ(t, m.SampleID("/out/proj_S1.bam.json"), "S1")
	expect.EQ(t, m.SampleID("/out/S1.json"), "")

	m, err = cache.NewMerger(cache.Opts{SampleRE: `S[0-9]+`})
	require.NoError(t, err)
	expect.EQ(t, m.SampleID("run_S12_x.json"), "S12")

	m, err = cache.NewMerger(cache.Opts{SampleRE: `nomatch(.*)`, SampleID: "given"})
	require.NoError(t, err)
	expect.EQ(t, m.SampleID("a_S1.bam.json"), "given")

	_, err = cache.NewMerger(cache.Opts{SampleRE: `(`})
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestMergeIsolation(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()
	in := filepath.Join(tmpDir, "in")
	require.NoError(t, os.MkdirAll(in, 0755))

	writeFile(t, filepath.Join(in, "p_S1.bam.json"), "{\ngeneX:{\"10:20\":3}\ngeneY:{}\n}")
	writeFile(t, filepath.Join(in, "p_S1.bam.wiggle"), "geneX:1_2\ngeneY:0_0\n")
	writeFile(t, filepath.Join(in, "p_S2.bam.json"), "{\ngeneX:{}\n}")
	writeFile(t, filepath.Join(in, "p_S2.bam.wiggle"), "geneX:5_5\n")
	// No coverage partner.
	writeFile(t, filepath.Join(in, "p_S3.bam.json"), "{\ngeneX:{}\n}")
	// Malformed junction payload.
	writeFile(t, filepath.Join(in, "p_S4.bam.json"), "{\ngeneX:{oops\n}")
	writeFile(t, filepath.Join(in, "p_S4.bam.wiggle"), "geneX:5_5\n")
	// Unrelated file.
	writeFile(t, filepath.Join(in, "notes.txt"), "x")

	m, err := cache.NewMerger(cache.DefaultOpts)
	require.NoError(t, err)
	s := openStore(t, tmpDir, cache.StoreOpts{})
	stats, err := m.Merge(ctx, in, s)
	require.NoError(t, err)
	assert.Equal(t, cache.Stats{Files: 2, Skipped: 2, Rows: 3}, stats)

	rows, err := s.Rows(ctx, "geneX")
	require.NoError(t, err)
	assert.Equal(t, []cache.Row{
		{SampleID: "geneX__S1", GeneID: "geneX", Junctions: `{"10:20":3}`, Wiggles: []byte("1_2")},
		{SampleID: "geneX__S2", GeneID: "geneX", Junctions: "{}", Wiggles: []byte("5_5")},
	}, rows)

	// Unchanged inputs are not merged again.
	stats, err = m.Merge(ctx, in, s)
	require.NoError(t, err)
	assert.Equal(t, cache.Stats{Unchanged: 2, Skipped: 2}, stats)

	// Forced or changed, they replace their rows instead of duplicating them.
	writeFile(t, filepath.Join(in, "p_S2.bam.wiggle"), "geneX:6_6\n")
	stats, err = m.Merge(ctx, in, s)
	require.NoError(t, err)
	assert.Equal(t, cache.Stats{Files: 1, Rows: 1, Unchanged: 1, Skipped: 2}, stats)
	force, err := cache.NewMerger(cache.Opts{Force: true})
	require.NoError(t, err)
	stats, err = force.Merge(ctx, in, s)
	require.NoError(t, err)
	expect.EQ(t, stats.Rows, 3)
	rows, err = s.Rows(ctx, "geneX")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	expect.EQ(t, string(rows[1].Wiggles), "6_6")
	n, err := s.Count(ctx)
	require.NoError(t, err)
	expect.EQ(t, n, 3)
	require.NoError(t, s.Close())

	// The store persists across handles.
	s = openStore(t, tmpDir, cache.StoreOpts{})
	rows, err = s.Rows(ctx, "geneY")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	expect.EQ(t, rows[0].SampleID, "geneY__S1")
	require.NoError(t, s.Close())

	_, err = m.Merge(ctx, filepath.Join(tmpDir, "missing"), s)
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestMergeExtractOutputs(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	events := []event.Event{
		{Name: "chr1:10:20:+@chr1:30:40:+", Chrom: "1", Start: 9, End: 12},
		{Name: "E2", Chrom: "1", Start: 0, End: 2},
	}
	for _, f := range []extract.Format{extract.Framed, extract.Records} {
		opts := extract.DefaultOpts
		opts.Format = f
		opts.JunctionPath, opts.CoveragePath = extract.Paths(filepath.Join(tmpDir, "p_"+f.String()+".bam"), f)
		_, err := extract.NewWriter(opts).Extend(ctx, events, constSource{})
		require.NoError(t, err)
	}

	m, err := cache.NewMerger(cache.DefaultOpts)
	require.NoError(t, err)
	s := openStore(t, tmpDir, cache.StoreOpts{CompressCoverage: true})
	defer func() { assert.NoError(t, s.Close()) }()
	expect.True(t, s.Compressed())
	stats, err := m.Merge(ctx, tmpDir, s)
	require.NoError(t, err)
	assert.Equal(t, cache.Stats{Files: 2, Rows: 4}, stats)

	rows, err := s.Rows(ctx, events[0].Name)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for i, sample := range []string{"framed", "records"} {
		expect.EQ(t, rows[i].SampleID, cache.Key(events[0].Name, sample))
		expect.EQ(t, rows[i].Junctions, `{"10:11":1}`)
		expect.EQ(t, string(rows[i].Wiggles), "1_1_1")
	}
}

// constSource reports depth 1 everywhere and one junction per region.
type constSource struct{}

func (constSource) Coverage(ctx context.Context, r coverage.Region) (coverage.Result, error) {
	d := make([]float64, r.Len())
	for i := range d {
		d[i] = 1
	}
	return coverage.Result{Depth: d, Junctions: coverage.JunctionMap{"10:11": 1}}, nil
}

func (constSource) Close() error { return nil }

func TestStoreLock(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	s := openStore(t, tmpDir, cache.StoreOpts{})
	_, err := cache.OpenStore(ctx, cache.StorePath(tmpDir), cache.StoreOpts{})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Unavailable, err), "%v", err)

	done := make(chan error, 1)
	go func() {
		s2, err := cache.OpenStore(ctx, cache.StorePath(tmpDir), cache.StoreOpts{LockWait: true})
		if err == nil {
			err = s2.Close()
		}
		done <- err
	}()
	require.NoError(t, s.Close())
	require.NoError(t, <-done)
}

func TestStoreLockWaitCanceled(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)

	s := openStore(t, tmpDir, cache.StoreOpts{})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := cache.OpenStore(ctx, cache.StorePath(tmpDir), cache.StoreOpts{LockWait: true})
	require.Error(t, err)
	require.NoError(t, s.Close())

	// The abandoned wait does not keep the store locked.
	s = openStore(t, tmpDir, cache.StoreOpts{})
	require.NoError(t, s.Close())
}

func TestStoreKeepsEncoding(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	s := openStore(t, tmpDir, cache.StoreOpts{CompressCoverage: true})
	require.NoError(t, s.Put(ctx, []cache.Row{{SampleID: "g__s", GeneID: "g", Junctions: "{}", Wiggles: []byte("1_2_3")}}))
	require.NoError(t, s.Close())

	s = openStore(t, tmpDir, cache.StoreOpts{})
	defer func() { assert.NoError(t, s.Close()) }()
	expect.True(t, s.Compressed())
	rows, err := s.Rows(ctx, "g")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	expect.EQ(t, string(rows[0].Wiggles), "1_2_3")
}

func TestStoreMigratesUnkeyedTable(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	// A store as written by the Python cache builder: no key, and a sample
	// merged twice.
	path := cache.StorePath(tmpDir)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	db, err := sqlx.Connect("sqlite3", path)
	require.NoError(t, err)
	db.MustExec("CREATE TABLE jxn_wiggle(sample_id TEXT, geneID TEXT, jxn TEXT, wiggles BLOB)")
	db.MustExec("CREATE INDEX gID ON jxn_wiggle(geneID)")
	for _, w := range []string{"9_9", "8_8"} {
		db.MustExec("INSERT INTO jxn_wiggle VALUES (?,?,?,?)", "geneX__S1", "geneX", "{}", []byte(w))
	}
	db.MustExec("INSERT INTO jxn_wiggle VALUES (?,?,?,?)", "geneY__S9", "geneY", "{}", []byte("7_7"))
	require.NoError(t, db.Close())

	s := openStore(t, tmpDir, cache.StoreOpts{CompressCoverage: true})
	defer func() { assert.NoError(t, s.Close()) }()
	expect.False(t, s.Compressed())
	n, err := s.Count(ctx)
	require.NoError(t, err)
	expect.EQ(t, n, 2)
	rows, err := s.Rows(ctx, "geneX")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	expect.EQ(t, string(rows[0].Wiggles), "8_8")

	in := filepath.Join(tmpDir, "in")
	require.NoError(t, os.MkdirAll(in, 0755))
	writeFile(t, filepath.Join(in, "p_S1.bam.json"), "{\ngeneX:{\"10:20\":3}\n}")
	writeFile(t, filepath.Join(in, "p_S1.bam.wiggle"), "geneX:1_2\n")
	m, err := cache.NewMerger(cache.DefaultOpts)
	require.NoError(t, err)
	stats, err := m.Merge(ctx, in, s)
	require.NoError(t, err)
	assert.Equal(t, cache.Stats{Files: 1, Rows: 1}, stats)
	rows, err = s.Rows(ctx, "geneX")
	require.NoError(t, err)
	assert.Equal(t, []cache.Row{
		{SampleID: "geneX__S1", GeneID: "geneX", Junctions: `{"10:20":3}`, Wiggles: []byte("1_2")},
	}, rows)
	n, err = s.Count(ctx)
	require.NoError(t, err)
	expect.EQ(t, n, 2)
}
