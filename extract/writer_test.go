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
package extract_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/vials/coverage"
	"github.com/grailbio/vials/event"
	"github.com/grailbio/vials/extract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource reports a constant depth per chromosome and records the regions
// it was asked for.
type fakeSource struct {
	depth     map[string]float64
	junctions map[string]coverage.JunctionMap
	failOn    string
	calls     []coverage.Region
}

func (s *fakeSource) Coverage(ctx context.Context, r coverage.Region) (coverage.Result, error) {
	if r.Chrom == s.failOn {
		return coverage.Result{}, fmt.Errorf("read error on %v", r)
	}
	s.calls = append(s.calls, r)
	d := make([]float64, r.Len())
	for i := range d {
		d[i] = s.depth[r.Chrom]
	}
	return coverage.Result{Depth: d, Junctions: s.junctions[r.Chrom]}, nil
}

func (s *fakeSource) Close() error { return nil }

func newSource() *fakeSource {
	return &fakeSource{
		depth: map[string]float64{"c1": 1, "c2": 2, "c3": 3},
		junctions: map[string]coverage.JunctionMap{
			"c1": {"11:20": 4, "12:20": 1},
		},
	}
}

// Each event has its own chromosome so that fakeSource can tell them apart.
var events = []event.Event{
	{Name: "A", Chrom: "c1", Start: 10, End: 14},
	{Name: "chr2:5:9:+@chr2:20:30:+", Chrom: "c2", Start: 5, End: 8},
	{Name: "C", Chrom: "c3", Start: 0, End: 2},
}

const (
	wantFramedJxn = "{\n" +
		`A:{"11:20":4,"12:20":1}` + "\n" +
		"chr2:5:9:+@chr2:20:30:+:{}\n" +
		"C:{}\n" +
		"}"
	wantFramedCov = "A:1_1_1_1\n" +
		"chr2:5:9:+@chr2:20:30:+:2_2_2\n" +
		"C:3_3\n"
)

func newWriter(dir string, f extract.Format) (*extract.Writer, string, string) {
	opts := extract.DefaultOpts
	opts.Format = f
	opts.JunctionPath, opts.CoveragePath = extract.Paths(filepath.Join(dir, "S1"), f)
	return extract.NewWriter(opts), opts.JunctionPath, opts.CoveragePath
}

func readFile(t *testing.T, path string) string {
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func writeFile(t *testing.T, path, data string) {
	require.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
}

func TestExtendFramed(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	w, jpath, cpath := newWriter(tmpDir, extract.Framed)
	expect.EQ(t, jpath, filepath.Join(tmpDir, "S1.json"))
	expect.EQ(t, cpath, filepath.Join(tmpDir, "S1.wiggle"))
	src := newSource()
	stats, err := w.Extend(ctx, events, src)
	require.NoError(t, err)
	assert.Equal(t, extract.Stats{Events: 3, Computed: 3}, stats)
	assert.Equal(t, wantFramedJxn, readFile(t, jpath))
	assert.Equal(t, wantFramedCov, readFile(t, cpath))
	assert.Len(t, src.calls, 3)
	assert.Equal(t, coverage.Region{Chrom: "c1", Start: 10, End: 14}, src.calls[0])
}

func TestExtendIdempotent(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	for _, f := range []extract.Format{extract.Framed, extract.Records} {
		dir := filepath.Join(tmpDir, f.String())
		require.NoError(t, os.MkdirAll(dir, 0755))
		w, jpath, cpath := newWriter(dir, f)
		_, err := w.Extend(ctx, events, newSource())
		require.NoError(t, err)
		jxn, cov := readFile(t, jpath), readFile(t, cpath)

		src := newSource()
		stats, err := w.Extend(ctx, events, src)
		require.NoError(t, err)
		assert.Equal(t, extract.Stats{Events: 3, Resumed: 3}, stats, "%v", f)
		assert.Len(t, src.calls, 0)
		assert.Equal(t, jxn, readFile(t, jpath))
		assert.Equal(t, cov, readFile(t, cpath))
	}
}

func TestExtendAppendsNewEvents(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	w, jpath, cpath := newWriter(tmpDir, extract.Framed)
	_, err := w.Extend(ctx, events[:2], newSource())
	require.NoError(t, err)

	src := newSource()
	stats, err := w.Extend(ctx, events, src)
	require.NoError(t, err)
	assert.Equal(t, extract.Stats{Events: 3, Resumed: 2, Computed: 1}, stats)
	require.Len(t, src.calls, 1)
	expect.EQ(t, src.calls[0].Chrom, "c3")
	assert.Equal(t, wantFramedJxn, readFile(t, jpath))
	assert.Equal(t, wantFramedCov, readFile(t, cpath))
}

func TestExtendRepairsInterruptedRun(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	jxnLines := strings.SplitAfter(wantFramedJxn, "\n")
	covLines := strings.SplitAfter(wantFramedCov, "\n")
	for i, test := range []struct {
		jxn, cov string
		resumed  int
	}{
		// Killed while writing the second junction line.
		{jxnLines[0] + jxnLines[1] + jxnLines[2][:10], covLines[0], 1},
		// Killed between the junction and coverage lines of the second event.
		{jxnLines[0] + jxnLines[1] + jxnLines[2], covLines[0], 1},
		// Killed while writing the second coverage line.
		{jxnLines[0] + jxnLines[1] + jxnLines[2], covLines[0] + covLines[1][:5], 1},
		// Killed before anything was written.
		{"", "", 0},
		// Killed after the header.
		{"{\n", "", 0},
		// Killed before the footer.
		{strings.TrimSuffix(wantFramedJxn, "}"), wantFramedCov, 3},
		// Footer followed by a newline.
		{wantFramedJxn + "\n", wantFramedCov, 3},
	} {
		dir := filepath.Join(tmpDir, fmt.Sprint(i))
		require.NoError(t, os.MkdirAll(dir, 0755))
		w, jpath, cpath := newWriter(dir, extract.Framed)
		writeFile(t, jpath, test.jxn)
		writeFile(t, cpath, test.cov)

		stats, err := w.Extend(ctx, events, newSource())
		require.NoError(t, err, "case %d", i)
		expect.EQ(t, stats.Resumed, test.resumed, "case %d", i)
		expect.EQ(t, stats.Computed, 3-test.resumed, "case %d", i)
		if i == 6 {
			// Already complete; left as is.
			assert.Equal(t, wantFramedJxn+"\n", readFile(t, jpath))
			continue
		}
		assert.Equal(t, wantFramedJxn, readFile(t, jpath), "case %d", i)
		assert.Equal(t, wantFramedCov, readFile(t, cpath), "case %d", i)
	}
}

func TestExtendResumesAfterError(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	w, jpath, cpath := newWriter(tmpDir, extract.Framed)
	src := newSource()
	src.failOn = "c2"
	stats, err := w.Extend(ctx, events, src)
	require.Error(t, err)
	expect.EQ(t, stats.Computed, 1)
	expect.EQ(t, readFile(t, cpath), "A:1_1_1_1\n")

	src = newSource()
	stats, err = w.Extend(ctx, events, src)
	require.NoError(t, err)
	assert.Equal(t, extract.Stats{Events: 3, Resumed: 1, Computed: 2}, stats)
	assert.Len(t, src.calls, 2)
	assert.Equal(t, wantFramedJxn, readFile(t, jpath))
	assert.Equal(t, wantFramedCov, readFile(t, cpath))
}

func TestExtendResolutionChange(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	opts := extract.DefaultOpts
	opts.JunctionPath, opts.CoveragePath = extract.Paths(filepath.Join(tmpDir, "S1"), extract.Framed)
	_, err := extract.NewWriter(opts).Extend(ctx, events, newSource())
	require.NoError(t, err)

	opts.Resolution = 2
	_, err = extract.NewWriter(opts).Extend(ctx, events, newSource())
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Precondition, err), "%v", err)
	assert.Equal(t, wantFramedCov, readFile(t, opts.CoveragePath))

	opts.Recompute = true
	src := newSource()
	stats, err := extract.NewWriter(opts).Extend(ctx, events, src)
	require.NoError(t, err)
	assert.Equal(t, extract.Stats{Events: 3, Computed: 3}, stats)
	assert.Equal(t, "A:1_1\nchr2:5:9:+@chr2:20:30:+:2_2\nC:3_3\n", readFile(t, opts.CoveragePath))
	assert.Equal(t, wantFramedJxn, readFile(t, opts.JunctionPath))

	// The new resolution is now the recorded one.
	opts.Recompute = false
	stats, err = extract.NewWriter(opts).Extend(ctx, events, newSource())
	require.NoError(t, err)
	expect.EQ(t, stats.Computed, 0)
}

func TestExtendResolutionChangeAfterInterruptedRun(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	opts := extract.DefaultOpts
	opts.JunctionPath, opts.CoveragePath = extract.Paths(filepath.Join(tmpDir, "S1"), extract.Framed)
	src := newSource()
	src.failOn = "c2"
	_, err := extract.NewWriter(opts).Extend(ctx, events, src)
	require.Error(t, err)
	expect.EQ(t, readFile(t, opts.CoveragePath), "A:1_1_1_1\n")

	opts.Resolution = 2
	stats, err := extract.NewWriter(opts).Extend(ctx, events, newSource())
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Precondition, err), "%v", err)
	expect.EQ(t, stats.Computed, 0)
	expect.EQ(t, readFile(t, opts.CoveragePath), "A:1_1_1_1\n")

	// Resuming with the original resolution completes the files.
	opts.Resolution = extract.DefaultOpts.Resolution
	stats, err = extract.NewWriter(opts).Extend(ctx, events, newSource())
	require.NoError(t, err)
	assert.Equal(t, extract.Stats{Events: 3, Resumed: 1, Computed: 2}, stats)
	assert.Equal(t, wantFramedCov, readFile(t, opts.CoveragePath))
}

func TestExtendRecords(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := context.Background()

	w, jpath, cpath := newWriter(tmpDir, extract.Records)
	expect.EQ(t, jpath, filepath.Join(tmpDir, "S1.jxn.jsonl"))
	expect.EQ(t, cpath, filepath.Join(tmpDir, "S1.wiggle.jsonl"))
	_, err := w.Extend(ctx, events[:1], newSource())
	require.NoError(t, err)
	stats, err := w.Extend(ctx, events, newSource())
	require.NoError(t, err)
	expect.EQ(t, stats.Computed, 2)

	jxn := strings.Split(strings.TrimSuffix(readFile(t, jpath), "\n"), "\n")
	cov := strings.Split(strings.TrimSuffix(readFile(t, cpath), "\n"), "\n")
	require.Len(t, jxn, 3)
	require.Len(t, cov, 3)
	expect.EQ(t, jxn[0], `{"event":"A","junctions":{"11:20":4,"12:20":1}}`)
	expect.EQ(t, cov[2], `{"event":"C","coverage":"3_3"}`)
	for i, e := range events {
		name, payload, ok := extract.ParseJunctionLine(extract.Records, jxn[i])
		expect.True(t, ok)
		expect.EQ(t, name, e.Name)
		if i > 0 {
			expect.EQ(t, payload, "{}")
		}
		name, payload, ok = extract.ParseCoverageLine(extract.Records, cov[i])
		expect.True(t, ok)
		expect.EQ(t, name, e.Name)
		expect.EQ(t, payload, strings.Repeat(fmt.Sprint(i+1)+"_", events[i].End-events[i].Start-1)+fmt.Sprint(i+1))
	}
}

func TestParseLines(t *testing.T) {
	const name = "chr2:5:9:+@chr2:20:30:+"
	line, err := extract.JunctionLine(extract.Framed, name, coverage.JunctionMap{"6:20": 2})
	require.NoError(t, err)
	expect.EQ(t, line, name+`:{"6:20":2}`+"\n")
	n, payload, ok := extract.ParseJunctionLine(extract.Framed, strings.TrimSuffix(line, "\n"))
	expect.True(t, ok)
	expect.EQ(t, n, name)
	expect.EQ(t, payload, `{"6:20":2}`)

	line, err = extract.CoverageLine(extract.Framed, name, []float64{0.5, 2})
	require.NoError(t, err)
	n, payload, ok = extract.ParseCoverageLine(extract.Framed, strings.TrimSuffix(line, "\n"))
	expect.True(t, ok)
	expect.EQ(t, n, name)
	expect.EQ(t, payload, "0.5_2")

	for _, bad := range []string{"{", "}", "", ":{}", "A"} {
		_, _, ok := extract.ParseJunctionLine(extract.Framed, bad)
		expect.False(t, ok, "%q", bad)
	}
	_, _, ok = extract.ParseJunctionLine(extract.Records, `{"event":"A"}`)
	expect.False(t, ok)

	f, err := extract.ParseFormat("records")
	require.NoError(t, err)
	expect.EQ(t, f, extract.Records)
	_, err = extract.ParseFormat("xml")
	assert.True(t, errors.Is(errors.Invalid, err))
}
