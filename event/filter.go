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
package event

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Op is a comparison operator allowed in a filter clause.
type Op string

// Supported operators. Like follows SQL LIKE: '%' matches any run of
// characters, '_' a single one, case-insensitively.
const (
	EQ   Op = "="
	NE   Op = "!="
	LT   Op = "<"
	LE   Op = "<="
	GT   Op = ">"
	GE   Op = ">="
	Like Op = "like"
)

// Operators in the order they are tried when parsing; two-character
// operators come before their one-character prefixes.
var parseOps = []Op{LE, GE, NE, EQ, LT, GT}

// Columns lists the summary columns a filter may refer to.
var Columns = map[string]bool{
	"event_name": true,
	"chrom":      true,
	"strand":     true,
	"sample":     true,
	"isoforms":   true,
}

// Clause is a single "Column Op Value" condition.
type Clause struct {
	Column string
	Op     Op
	Value  string
}

func (c Clause) String() string {
	return fmt.Sprintf("%s %s %q", c.Column, c.Op, c.Value)
}

// Filter restricts the summary rows considered when deriving events. All
// clauses must hold. The zero Filter accepts every row.
//
// Filters never reach a query as text: columns come from a fixed list and
// values are always bound as parameters.
type Filter []Clause

// ParseFilter parses clauses of the form "column<op>value", separated by ';'.
// For example: "chrom=1;event_name like %ENSG%". Values may be quoted with
// single or double quotes.
func ParseFilter(s string) (Filter, error) {
	var f Filter
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, err := parseClause(part)
		if err != nil {
			return nil, err
		}
		f = append(f, c)
	}
	return f, f.Validate()
}

var likeRE = regexp.MustCompile(`(?i)^(\w+)\s+like\s+(.*)$`)

func parseClause(s string) (Clause, error) {
	if m := likeRE.FindStringSubmatch(s); m != nil {
		return Clause{Column: m[1], Op: Like, Value: unquote(m[2])}, nil
	}
	for _, op := range parseOps {
		if i := strings.Index(s, string(op)); i > 0 {
			return Clause{
				Column: strings.TrimSpace(s[:i]),
				Op:     op,
				Value:  unquote(s[i+len(op):]),
			}, nil
		}
	}
	return Clause{}, errors.E(errors.Invalid, fmt.Sprintf("filter: cannot parse clause %q", s))
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// ChromClause returns a clause selecting one chromosome. A "chr" prefix is
// dropped, since summary tables store bare chromosome names.
func ChromClause(chrom string) Clause {
	return Clause{Column: "chrom", Op: EQ, Value: strings.TrimPrefix(chrom, "chr")}
}

// Validate checks that every clause uses a known column and operator.
func (f Filter) Validate() error {
	for _, c := range f {
		if !Columns[c.Column] {
			return errors.E(errors.Invalid, fmt.Sprintf("filter: unknown column %q", c.Column))
		}
		switch c.Op {
		case EQ, NE, LT, LE, GT, GE, Like:
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("filter: unknown operator %q", c.Op))
		}
	}
	return nil
}

// Where returns a SQL WHERE clause (with a leading space, or "" for an empty
// filter) and its bind arguments.
func (f Filter) Where() (string, []interface{}, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	if len(f) == 0 {
		return "", nil, nil
	}
	conds := make([]string, len(f))
	args := make([]interface{}, len(f))
	for i, c := range f {
		op := string(c.Op)
		if c.Op == Like {
			op = "LIKE"
		}
		conds[i] = c.Column + " " + op + " ?"
		args[i] = c.Value
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// Match reports whether a row, given as column name -> value, satisfies
// every clause. Columns missing from the row compare as "". Ordering
// comparisons are numeric when both sides are numbers.
func (f Filter) Match(row map[string]string) bool {
	for _, c := range f {
		if !c.match(row[c.Column]) {
			return false
		}
	}
	return true
}

func (c Clause) match(v string) bool {
	if c.Op == Like {
		return likePattern(c.Value).MatchString(v)
	}
	cmp := strings.Compare(v, c.Value)
	if a, err := strconv.ParseFloat(v, 64); err == nil {
		if b, err := strconv.ParseFloat(c.Value, 64); err == nil {
			switch {
			case a < b:
				cmp = -1
			case a > b:
				cmp = 1
			default:
				cmp = 0
			}
		}
	}
	switch c.Op {
	case EQ:
		return cmp == 0
	case NE:
		return cmp != 0
	case LT:
		return cmp < 0
	case LE:
		return cmp <= 0
	case GT:
		return cmp > 0
	case GE:
		return cmp >= 0
	}
	return false
}

func likePattern(p string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range p {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
