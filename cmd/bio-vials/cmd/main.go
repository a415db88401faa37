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
package cmd

import (
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/vials/cache"
	"github.com/grailbio/vials/coverage"
	"github.com/grailbio/vials/extract"
	"v.io/x/lib/cmdline"
)

const filterHelp = `Restrict events to summary rows matching all of the given clauses,
separated by ';'. Each clause is 'column op value', with column one of
event_name, chrom, strand, sample, isoforms and op one of = != < <= > >= like.
For example, "strand=+;event_name like chr1:%".`

func addCatalogFlags(cmd *cmdline.Command, opts *catalogOpts) {
	cmd.Flags.StringVar(&opts.filter, "filter", "", filterHelp)
	cmd.Flags.StringVar(&opts.chrom, "chrom", "", "Restrict events to this chromosome")
	cmd.Flags.StringVar(&opts.tsv, "tsv", "", `Read events from this MISO summary file (optionally gzipped)
instead of the project's summary database`)
	cmd.Flags.StringVar(&opts.bed, "bed", "", "Restrict events to those overlapping a region of this BED file (optionally gzipped)")
}

func newCmdEvents() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "events",
		Short:    "Print the event catalog of a project",
		ArgsName: "project_dir",
	}
	opts := catalogOpts{}
	addCatalogFlags(cmd, &opts)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("events takes one project_dir argument, but got %v", argv)
		}
		return runEvents(vcontext.Background(), env.Stdout, opts, argv[0])
	})
	return cmd
}

func newCmdExtract() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "extract",
		Short: "Extract per-event coverage and junction counts of samples",
		Long: `
Extract computes, for each event of the project, the read coverage
(downsampled to -resolution values) and the junction read counts of a sample,
and appends them to the sample's junction and coverage files. Events already
present in both files are skipped, so an interrupted run is resumed by
running the same command again.

With -sample all, every sample of the project's samples.json is processed in
turn. A sample that fails is reported and does not stop the others.`,
		ArgsName: "project_dir bam_root",
	}
	opts := extractOpts{}
	addCatalogFlags(cmd, &opts.catalog)
	cmd.Flags.StringVar(&opts.sample, "sample", "all", "Sample name from samples.json, or 'all'")
	cmd.Flags.StringVar(&opts.bam, "bam", "", "Alignment file of -sample, overriding samples.json")
	cmd.Flags.StringVar(&opts.index, "index", "", "BAM index of -bam. By default set to the BAM path + .bai")
	cmd.Flags.StringVar(&opts.out, "o", "", "Output path prefix of a single sample. By default derived from -out-dir and the sample name")
	cmd.Flags.StringVar(&opts.outDir, "out-dir", ".", "Output directory")
	cmd.Flags.IntVar(&opts.resolution, "resolution", extract.DefaultOpts.Resolution, "Number of coverage values per event")
	cmd.Flags.StringVar(&opts.format, "format", extract.DefaultOpts.Format.String(), "Output format, 'framed' or 'records'")
	cmd.Flags.BoolVar(&opts.recompute, "recompute", false, "Discard existing output produced with a different resolution or format")
	cmd.Flags.IntVar(&opts.mapq, "mapq", coverage.DefaultOpts.MinMapQ, "Reads with MAPQ below this level are skipped")
	cmd.Flags.IntVar(&opts.flagExclude, "flag-exclude", coverage.DefaultOpts.FlagExclude, "Reads with a FLAG bit intersecting this value are skipped")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("extract takes project_dir and bam_root, but got %v", argv)
		}
		return runExtract(vcontext.Background(), opts, argv[0], argv[1])
	})
	return cmd
}

func newCmdMerge() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "merge",
		Short: "Merge extraction outputs into the project cache",
		Long: `
Merge reads every junction/coverage file pair in input_dir and stores one row
per event and sample in the project's cache, keyed by event name and sample.
Unchanged file pairs are skipped; changed ones replace their rows.`,
		ArgsName: "input_dir project_dir",
	}
	opts := mergeOpts{}
	cmd.Flags.StringVar(&opts.sampleRE, "r", cache.DefaultSampleRE, "Regular expression extracting the sample name from a file name")
	cmd.Flags.StringVar(&opts.sampleID, "s", "", "Sample name of all input files, overriding -r")
	cmd.Flags.BoolVar(&opts.compress, "compress", false, "Snappy-compress coverage in a new cache")
	cmd.Flags.BoolVar(&opts.wait, "wait", false, "Wait for a concurrent merge to finish instead of failing")
	cmd.Flags.BoolVar(&opts.force, "force", false, "Merge file pairs even if unchanged since their last merge")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("merge takes input_dir and project_dir, but got %v", argv)
		}
		return runMerge(vcontext.Background(), opts, argv[0], argv[1])
	})
	return cmd
}

// Run runs the bio-vials command line.
func Run() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "bio-vials",
			Short:    "Precompute per-event coverage and junction caches for vials projects",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdEvents(),
				newCmdExtract(),
				newCmdMerge(),
			},
		})
}
