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
package extract

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
)

// journalEntry is a complete event line in an output file.
type journalEntry struct {
	name string
	// end is the file offset just past the line's newline.
	end int64
}

// journal describes the valid prefix of an existing output file.
type journal struct {
	exists bool
	size   int64
	// hasHeader is set if the file starts with the framed header line.
	hasHeader bool
	// dataStart is the offset of the first event line.
	dataStart int64
	// entries are the complete event lines, up to the first line that is not
	// one.
	entries []journalEntry
	// closed is set if the framed footer directly follows the last entry and
	// ends the file.
	closed bool
}

// keep returns the file offset just past the first n entries.
func (j *journal) keep(n int) int64 {
	if n == 0 {
		return j.dataStart
	}
	return j.entries[n-1].end
}

// readJournal scans the output file at path. parse extracts the event name of
// a line; framed is set for the framed junction file, whose header and footer
// are recognized. A missing file yields an empty journal.
func readJournal(path string, framed bool, parse func(line string) (string, bool)) (journal, error) {
	var j journal
	in, err := os.Open(path)
	if os.IsNotExist(err) {
		return j, nil
	}
	if err != nil {
		return j, errors.E(err, "open", path)
	}
	defer in.Close() // nolint: errcheck
	j.exists = true

	r := bufio.NewReaderSize(in, 1<<20)
	var off int64
	for {
		chunk, err := r.ReadString('\n')
		start := off
		off += int64(len(chunk))
		if err != nil && err != io.EOF {
			return j, errors.E(err, "read", path)
		}
		complete := strings.HasSuffix(chunk, "\n")
		line := strings.TrimSuffix(chunk, "\n")
		switch {
		case chunk == "":
		case framed && start == 0 && line == strings.TrimSuffix(framedHeader, "\n") && complete:
			j.hasHeader = true
			j.dataStart = off
			continue
		case complete:
			if name, ok := parse(line); ok {
				j.entries = append(j.entries, journalEntry{name: name, end: off})
				continue
			}
			if framed && line == framedFooter {
				j.closed = start == j.keep(len(j.entries))
			}
		default:
			// Unterminated last line: either the footer, or an event line cut
			// short by an interrupted run.
			if framed && line == framedFooter {
				j.closed = start == j.keep(len(j.entries))
			}
		}
		// Everything from here on is outside the valid prefix.
		break
	}
	// Tolerate a trailing newline after the footer.
	info, err := in.Stat()
	if err != nil {
		return j, errors.E(err, "stat", path)
	}
	j.size = info.Size()
	if j.closed && j.size > j.keep(len(j.entries))+int64(len(framedFooter)+1) {
		j.closed = false
	}
	return j, nil
}
