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
package main

/*
bio-vials precomputes, for every splicing event of a MISO project, the read
coverage and junction counts of each sample, and collects them into the
project's junction/coverage cache.

  bio-vials events project_dir
  bio-vials extract -sample all project_dir bam_root
  bio-vials merge out_dir project_dir

extract is resumable: rerunning it after an interruption only computes the
events missing from the sample's output files.
*/

import "github.com/grailbio/vials/cmd/bio-vials/cmd"

func main() {
	cmd.Run()
}
