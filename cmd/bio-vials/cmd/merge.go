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

	"github.com/grailbio/base/errors"
	"github.com/grailbio/vials/cache"
	"github.com/grailbio/vials/project"
)

type mergeOpts struct {
	sampleRE string
	sampleID string
	compress bool
	wait     bool
	force    bool
}

func runMerge(ctx context.Context, opts mergeOpts, inputDir, dir string) (err error) {
	p, err := project.Load(ctx, dir)
	if err != nil {
		return err
	}
	m, err := cache.NewMerger(cache.Opts{SampleRE: opts.sampleRE, SampleID: opts.sampleID, Force: opts.force})
	if err != nil {
		return err
	}
	s, err := cache.OpenStore(ctx, p.CachePath(), cache.StoreOpts{CompressCoverage: opts.compress, LockWait: opts.wait})
	if err != nil {
		return err
	}
	defer func() {
		if e := s.Close(); e != nil && err == nil {
			err = e
		}
	}()
	stats, err := m.Merge(ctx, inputDir, s)
	if err != nil {
		return err
	}
	if stats.Files == 0 && stats.Skipped > 0 {
		return errors.E(errors.Invalid, "no output pair in "+inputDir+" could be merged")
	}
	return nil
}
