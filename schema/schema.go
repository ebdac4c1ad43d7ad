// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schema models the result of a Dgraph schema query.
package schema

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Predicate is one entry of a schema query result.
type Predicate struct {
	Name      string   `json:"predicate"`
	Type      string   `json:"type"`
	Index     bool     `json:"index,omitempty"`
	Tokenizer []string `json:"tokenizer,omitempty"`
	Reverse   bool     `json:"reverse,omitempty"`
	Count     bool     `json:"count,omitempty"`
	List      bool     `json:"list,omitempty"`
	Upsert    bool     `json:"upsert,omitempty"`
	Lang      bool     `json:"lang,omitempty"`
}

// String renders the predicate in schema alteration syntax, e.g. `name: string @index(exact) @upsert .`.
func (p *Predicate) String() string {
	var b strings.Builder
	b.WriteString(p.Name)
	b.WriteString(": ")
	if p.List {
		b.WriteString("[" + p.Type + "]")
	} else {
		b.WriteString(p.Type)
	}
	if p.Index || len(p.Tokenizer) > 0 {
		b.WriteString(" @index(" + strings.Join(p.Tokenizer, ",") + ")")
	}
	if p.Reverse {
		b.WriteString(" @reverse")
	}
	if p.Count {
		b.WriteString(" @count")
	}
	if p.Upsert {
		b.WriteString(" @upsert")
	}
	if p.Lang {
		b.WriteString(" @lang")
	}
	b.WriteString(" .")
	return b.String()
}

// Schema is the parsed payload of a schema query.
type Schema struct {
	Schema []*Predicate `json:"schema"`
}

// Parse decodes a schema query payload.
func Parse(payload []byte) (*Schema, error) {
	s := &Schema{}
	if err := json.Unmarshal(payload, s); err != nil {
		return nil, errors.Wrap(err, "malformed schema payload")
	}
	for i, p := range s.Schema {
		if p == nil || p.Name == "" {
			return nil, errors.Errorf("malformed schema payload: entry %d has no predicate", i)
		}
	}
	return s, nil
}

// Predicate returns the named predicate, or nil.
func (s *Schema) Predicate(name string) *Predicate {
	for _, p := range s.Schema {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// String renders the schema one predicate per line.
func (s *Schema) String() string {
	lines := make([]string, 0, len(s.Schema))
	for _, p := range s.Schema {
		lines = append(lines, p.String())
	}
	return strings.Join(lines, "\n")
}
