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
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vials/coverage"
	"github.com/grailbio/vials/event"
	"github.com/grailbio/vials/extract"
	"github.com/grailbio/vials/project"
)

type extractOpts struct {
	catalog     catalogOpts
	sample      string
	bam         string
	index       string
	out         string
	outDir      string
	resolution  int
	format      string
	recompute   bool
	mapq        int
	flagExclude int
}

// sampleJob is one sample to extract.
type sampleJob struct {
	name, bam, prefix string
}

func runExtract(ctx context.Context, opts extractOpts, dir, bamRoot string) error {
	format, err := extract.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	jobs, err := sampleJobs(ctx, opts, dir, bamRoot)
	if err != nil {
		return err
	}
	events, err := loadCatalog(ctx, opts.catalog, dir)
	if err != nil {
		return err
	}
	wopts := extract.DefaultOpts
	wopts.Resolution = opts.resolution
	wopts.Format = format
	wopts.Recompute = opts.recompute
	copt := coverage.Opts{Index: opts.index, FlagExclude: opts.flagExclude, MinMapQ: opts.mapq}

	var failed []string
	for _, job := range jobs {
		log.Printf("extracting %s from %s", job.name, job.bam)
		if err := extractSample(ctx, events, job, wopts, copt); err != nil {
			if len(jobs) == 1 {
				return err
			}
			log.Error.Printf("sample %s: %v", job.name, err)
			failed = append(failed, job.name)
		}
	}
	if len(failed) > 0 {
		return errors.E(fmt.Sprintf("%d of %d samples failed: %v", len(failed), len(jobs), failed))
	}
	return nil
}

// sampleJobs resolves the samples to extract.
func sampleJobs(ctx context.Context, opts extractOpts, dir, bamRoot string) ([]sampleJob, error) {
	if opts.sample != "all" && opts.bam != "" {
		prefix := opts.out
		if prefix == "" {
			prefix = project.OutputPrefix(opts.outDir, opts.sample)
		}
		return []sampleJob{{name: opts.sample, bam: opts.bam, prefix: prefix}}, nil
	}
	if opts.bam != "" {
		return nil, errors.E(errors.Invalid, "-bam requires a single -sample")
	}
	if opts.index != "" {
		return nil, errors.E(errors.Invalid, "-index requires -bam")
	}
	p, err := project.Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	names := []string{opts.sample}
	if opts.sample == "all" {
		if opts.out != "" {
			return nil, errors.E(errors.Invalid, "-o requires a single -sample; use -out-dir")
		}
		names = p.SampleNames()
		if len(names) == 0 {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("no samples in %s", dir))
		}
	}
	var jobs []sampleJob
	for _, name := range names {
		s, err := p.Sample(name)
		if err != nil {
			return nil, err
		}
		bam, err := p.BAMPath(s, bamRoot)
		if err != nil {
			return nil, err
		}
		prefix := opts.out
		if prefix == "" {
			prefix = project.OutputPrefix(opts.outDir, name)
		}
		jobs = append(jobs, sampleJob{name: name, bam: bam, prefix: prefix})
	}
	return jobs, nil
}

func extractSample(ctx context.Context, events []event.Event, job sampleJob, wopts extract.Opts, copt coverage.Opts) (err error) {
	src, err := coverage.NewBAMProvider(ctx, job.bam, copt)
	if err != nil {
		return err
	}
	defer func() {
		if e := src.Close(); e != nil && err == nil {
			err = errors.E(e, "close", job.bam)
		}
	}()
	wopts.JunctionPath, wopts.CoveragePath = extract.Paths(job.prefix, wopts.Format)
	stats, err := extract.NewWriter(wopts).Extend(ctx, events, src)
	if err != nil {
		return err
	}
	log.Printf("sample %s: %d events, %d computed, %d already done", job.name, stats.Events, stats.Computed, stats.Resumed)
	return nil
}
