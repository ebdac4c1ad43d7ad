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

package mockdgraph

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinydgraph/schema"
	"github.com/pkg/errors"
)

var (
	schemaQuery = regexp.MustCompile(`^\s*schema\s*(?:\(\s*pred\s*:\s*\[([^\]]*)\]\s*\))?\s*\{[^}]*\}\s*$`)
	eqQuery     = regexp.MustCompile(`(\w+)\s*\(\s*func\s*:\s*eq\(\s*<?([^,<>\s]+)>?\s*,\s*(\$\w+|"(?:[^"\\]|\\.)*")\s*\)\s*\)`)
)

type uidResult struct {
	UID string `json:"uid"`
}

// query answers a schema query or a single eq lookup returning uids. s.mu must be held.
func (s *Server) query(q string, vars map[string]string) ([]byte, error) {
	if m := schemaQuery.FindStringSubmatch(q); m != nil {
		return s.schemaResult(m[1])
	}
	m := eqQuery.FindStringSubmatch(q)
	if m == nil {
		return nil, errors.Errorf("unsupported query %q", q)
	}
	block, pred, arg := m[1], m[2], m[3]
	value, err := resolveArg(arg, vars)
	if err != nil {
		return nil, err
	}
	var uids []uint64
	for uid, v := range s.props[pred] {
		if v == value {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	res := make([]uidResult, 0, len(uids))
	for _, uid := range uids {
		res = append(res, uidResult{UID: fmt.Sprintf("%#x", uid)})
	}
	return json.Marshal(map[string][]uidResult{block: res})
}

func resolveArg(arg string, vars map[string]string) (string, error) {
	if strings.HasPrefix(arg, "$") {
		v, ok := vars[arg]
		if !ok {
			return "", errors.Errorf("variable %s is not defined", arg)
		}
		return v, nil
	}
	v, err := strconv.Unquote(arg)
	return v, errors.WithStack(err)
}

func (s *Server) schemaResult(predList string) ([]byte, error) {
	var names []string
	if strings.TrimSpace(predList) != "" {
		for _, n := range strings.Split(predList, ",") {
			names = append(names, strings.Trim(strings.TrimSpace(n), "<>"))
		}
	} else {
		for n := range s.schema {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	res := &schema.Schema{Schema: []*schema.Predicate{}}
	for _, n := range names {
		if p, ok := s.schema[n]; ok {
			res.Schema = append(res.Schema, p)
		}
	}
	return json.Marshal(res)
}

var (
	schemaLine = regexp.MustCompile(`^<?([^:<>\s]+)>?\s*:\s*(\[\s*\w+\s*\]|\w+)\s*(.*?)\s*\.$`)
	directive  = regexp.MustCompile(`@(\w+)(?:\(([^)]*)\))?`)
)

// parseSchema reads predicate definitions, one per line, e.g. `name: string @index(exact, term) @upsert .`.
func parseSchema(text string) ([]*schema.Predicate, error) {
	var preds []*schema.Predicate
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := schemaLine.FindStringSubmatch(line)
		if m == nil {
			return nil, errors.Errorf("malformed schema line %q", line)
		}
		p := &schema.Predicate{Name: m[1], Type: m[2]}
		if strings.HasPrefix(p.Type, "[") {
			p.List = true
			p.Type = strings.TrimSpace(strings.Trim(p.Type, "[]"))
		}
		rest := m[3]
		for _, d := range directive.FindAllStringSubmatch(rest, -1) {
			switch d[1] {
			case "index":
				p.Index = true
				for _, t := range strings.Split(d[2], ",") {
					if t = strings.TrimSpace(t); t != "" {
						p.Tokenizer = append(p.Tokenizer, t)
					}
				}
			case "reverse":
				p.Reverse = true
			case "count":
				p.Count = true
			case "upsert":
				p.Upsert = true
			case "lang":
				p.Lang = true
			default:
				return nil, errors.Errorf("unknown directive @%s in %q", d[1], line)
			}
		}
		if strings.TrimSpace(directive.ReplaceAllString(rest, "")) != "" {
			return nil, errors.Errorf("malformed schema line %q", line)
		}
		preds = append(preds, p)
	}
	return preds, nil
}
