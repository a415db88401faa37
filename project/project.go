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

// Package project reads the layout of a vials project directory: its
// configuration, its sample list and the paths of its databases.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/vials/cache"
)

// File names under a project directory.
const (
	ConfigFile  = "vials_project.json"
	SamplesFile = "samples.json"
	SummaryDB   = "all_miso_summaries.sqlite"
)

// Config is the contents of ConfigFile.
type Config struct {
	ProjectType string `json:"project_type"`
	RefGenome   string `json:"ref_genome"`
	// BAMRootDir is the directory relative BAM paths are resolved against.
	BAMRootDir string `json:"bam_root_dir"`
}

// Sample is one entry of SamplesFile.
type Sample struct {
	Name string `json:"name"`
	// File is the sample's MISO summary file.
	File string `json:"file"`
	// BAMFile is the sample's alignments, absolute or relative to the BAM
	// root directory.
	BAMFile string `json:"bam_file"`
}

// Project is a loaded project directory.
type Project struct {
	Dir     string
	Config  Config
	Samples map[string]Sample
}

// Load reads the project at dir. A missing directory or configuration file is
// an errors.NotExist error; a project without SamplesFile has no samples.
func Load(ctx context.Context, dir string) (*Project, error) {
	p := &Project{Dir: dir, Samples: map[string]Sample{}}
	if err := readJSON(ctx, filepath.Join(dir, ConfigFile), &p.Config); err != nil {
		return nil, err
	}
	err := readJSON(ctx, filepath.Join(dir, SamplesFile), &p.Samples)
	if err != nil && !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	for name, s := range p.Samples {
		if s.Name == "" {
			s.Name = name
			p.Samples[name] = s
		}
	}
	return p, nil
}

func readJSON(ctx context.Context, path string, v interface{}) error {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(errors.NotExist, err, "open", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return errors.E(err, "read", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.E(errors.Invalid, err, "parse", path)
	}
	return nil
}

// SummaryDBPath returns the path of the project's summary database.
func (p *Project) SummaryDBPath() string {
	return filepath.Join(p.Dir, SummaryDB)
}

// CachePath returns the path of the project's junction/coverage store.
func (p *Project) CachePath() string {
	return cache.StorePath(p.Dir)
}

// SampleNames returns the sample names, sorted.
func (p *Project) SampleNames() []string {
	names := make([]string, 0, len(p.Samples))
	for name := range p.Samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sample looks up a sample by name. An unknown name is an errors.NotExist
// error that suggests the closest known name.
func (p *Project) Sample(name string) (Sample, error) {
	if s, ok := p.Samples[name]; ok {
		return s, nil
	}
	msg := fmt.Sprintf("no sample %q in %s", name, filepath.Join(p.Dir, SamplesFile))
	if best := closest(name, p.SampleNames()); best != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", best)
	}
	return Sample{}, errors.E(errors.NotExist, msg)
}

// closest returns the candidate within edit distance max(2, len/3) of name
// with the smallest distance, or "".
func closest(name string, candidates []string) string {
	limit := len(name) / 3
	if limit < 2 {
		limit = 2
	}
	best, bestDist := "", limit+1
	for _, c := range candidates {
		if d := matchr.Levenshtein(strings.ToLower(name), strings.ToLower(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// BAMPath returns the alignment file of s. Relative paths are resolved
// against root, or the configured BAM root directory if root is empty.
func (p *Project) BAMPath(s Sample, root string) (string, error) {
	if s.BAMFile == "" {
		return "", errors.E(errors.NotExist, fmt.Sprintf("sample %q has no bam_file in %s", s.Name, SamplesFile))
	}
	if filepath.IsAbs(s.BAMFile) {
		return s.BAMFile, nil
	}
	if root == "" {
		root = p.Config.BAMRootDir
	}
	return filepath.Join(root, s.BAMFile), nil
}

// OutputPrefix returns the extraction output prefix of a sample in dir. The
// prefix is named so that cache.DefaultSampleRE recovers the sample name.
func OutputPrefix(dir, sample string) string {
	return filepath.Join(dir, "vials_"+sample+".bam")
}
