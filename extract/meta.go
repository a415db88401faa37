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
	"io/ioutil"
	"os"
	"strconv"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/vials/event"
)

// MetaSuffix is appended to the junction file path to name the file that
// records how the outputs were produced.
const MetaSuffix = ".meta"

// meta records the parameters of the run that produced a pair of output
// files.
type meta struct {
	Resolution int    `json:"resolution"`
	Format     string `json:"format"`
	Events     int    `json:"events"`
	// Catalog is a fingerprint of the event catalog of the last run.
	Catalog string `json:"catalog"`
}

// catalogFingerprint hashes the names and coordinates of events, in order.
func catalogFingerprint(events []event.Event) string {
	var buf []byte
	for _, e := range events {
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
		buf = append(buf, e.Chrom...)
		buf = append(buf, 0)
		buf = strconv.AppendInt(buf, int64(e.Start), 10)
		buf = append(buf, 0)
		buf = strconv.AppendInt(buf, int64(e.End), 10)
		buf = append(buf, '\n')
	}
	return fmt.Sprintf("%016x", farm.Fingerprint64(buf))
}

// readMeta reads the metadata file. ok is false if it does not exist.
func readMeta(path string) (m meta, ok bool, err error) {
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return m, false, nil
	}
	if err != nil {
		return m, false, errors.E(err, "read", path)
	}
	if err = json.Unmarshal(data, &m); err != nil {
		return m, false, errors.E(errors.Invalid, err, "parse", path)
	}
	return m, true, nil
}

func writeMeta(path string, m meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.E(err, "encode", path)
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return errors.E(err, "write", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.E(err, "rename", tmp, path)
	}
	return nil
}
