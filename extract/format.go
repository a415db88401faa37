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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/vials/coverage"
	"github.com/grailbio/vials/wiggle"
)

// Format selects the layout of the per-sample output files.
type Format int

const (
	// Framed is the layout read by existing viewers. The junction file starts
	// with a "{" line and ends with a "}" (no trailing newline); every other
	// line is "<event>:<json object>". The coverage file has one
	// "<event>:<wiggle>" line per event. Event names may contain ':', so
	// junction lines split on the first ":{" and coverage lines on the last
	// ':'.
	Framed Format = iota
	// Records writes one self-contained JSON object per line and no file-level
	// framing: {"event":..,"junctions":{..}} and {"event":..,"coverage":".."}.
	Records
)

func (f Format) String() string {
	switch f {
	case Framed:
		return "framed"
	case Records:
		return "records"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat parses "framed" or "records".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "framed", "":
		return Framed, nil
	case "records":
		return Records, nil
	}
	return Framed, errors.E(errors.Invalid, fmt.Sprintf("unknown output format %q", s))
}

// File name suffixes of the two outputs, per format.
const (
	FramedJunctionSuffix   = ".json"
	FramedCoverageSuffix   = ".wiggle"
	RecordsJunctionSuffix  = ".jxn.jsonl"
	RecordsCoverageSuffix  = ".wiggle.jsonl"
	framedHeader           = "{\n"
	framedFooter           = "}"
	framedJunctionDelim    = ":{"
	framedCoverageDelimRev = ':'
)

// Suffixes returns the junction and coverage file suffixes for f.
func (f Format) Suffixes() (junction, cov string) {
	if f == Records {
		return RecordsJunctionSuffix, RecordsCoverageSuffix
	}
	return FramedJunctionSuffix, FramedCoverageSuffix
}

// Paths returns the junction and coverage file paths for an output prefix.
func Paths(prefix string, f Format) (junction, cov string) {
	js, cs := f.Suffixes()
	return prefix + js, prefix + cs
}

type junctionRecord struct {
	Event     string          `json:"event"`
	Junctions json.RawMessage `json:"junctions"`
}

type coverageRecord struct {
	Event    string `json:"event"`
	Coverage string `json:"coverage"`
}

// JunctionLine renders one junction-file line, including the newline.
func JunctionLine(f Format, name string, jxns coverage.JunctionMap) (string, error) {
	if jxns == nil {
		jxns = coverage.JunctionMap{}
	}
	payload, err := json.Marshal(jxns)
	if err != nil {
		return "", errors.E(err, "encode junctions", name)
	}
	if f == Records {
		line, err := json.Marshal(junctionRecord{Event: name, Junctions: payload})
		if err != nil {
			return "", errors.E(err, "encode junction record", name)
		}
		return string(line) + "\n", nil
	}
	return name + ":" + string(payload) + "\n", nil
}

// CoverageLine renders one coverage-file line, including the newline.
func CoverageLine(f Format, name string, values []float64) (string, error) {
	payload := wiggle.Format(values)
	if f == Records {
		line, err := json.Marshal(coverageRecord{Event: name, Coverage: payload})
		if err != nil {
			return "", errors.E(err, "encode coverage record", name)
		}
		return string(line) + "\n", nil
	}
	return name + ":" + payload + "\n", nil
}

// ParseJunctionLine splits a junction-file line (without its newline) into the
// event name and the JSON junction payload. ok is false for lines that carry no
// event, such as the framing lines.
func ParseJunctionLine(f Format, line string) (name, payload string, ok bool) {
	if f == Records {
		var r junctionRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil || r.Event == "" || len(r.Junctions) == 0 {
			return "", "", false
		}
		return r.Event, string(r.Junctions), true
	}
	i := strings.Index(line, framedJunctionDelim)
	if i <= 0 {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}

// ParseCoverageLine splits a coverage-file line (without its newline) into
// the event name and the wiggle payload.
func ParseCoverageLine(f Format, line string) (name, payload string, ok bool) {
	if f == Records {
		var r coverageRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil || r.Event == "" {
			return "", "", false
		}
		return r.Event, r.Coverage, true
	}
	i := strings.LastIndexByte(line, framedCoverageDelimRev)
	if i <= 0 {
		return "", "", false
	}
	return line[:i], strings.TrimSpace(line[i+1:]), true
}
