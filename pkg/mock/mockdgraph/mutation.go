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

	"github.com/dgraph-io/dgo/v2/protos/api"
	jsoniter "github.com/json-iterator/go"
	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// starAll is the value Dgraph uses for "every value of the predicate" in deletions.
const starAll = "_STAR_ALL"

type write struct {
	del    bool
	uid    uint64
	pred   string
	edge   bool
	object uint64
	value  string
	all    bool
}

// builder turns the mutations of one request into writes, allocating uids for blank nodes.
type builder struct {
	s      *Server
	blanks map[string]uint64
	writes []write
}

func newBuilder(s *Server) *builder {
	return &builder{s: s, blanks: make(map[string]uint64)}
}

func (b *builder) uidMap() map[string]string {
	m := make(map[string]string, len(b.blanks))
	for name, uid := range b.blanks {
		m[name] = fmt.Sprintf("%#x", uid)
	}
	return m
}

func (b *builder) add(mu *api.Mutation) error {
	if len(mu.Cond) > 0 {
		return errors.New("conditional mutations are not supported")
	}
	for _, nq := range mu.Set {
		if err := b.addNQuad(nq, false); err != nil {
			return err
		}
	}
	for _, nq := range mu.Del {
		if err := b.addNQuad(nq, true); err != nil {
			return err
		}
	}
	if err := b.addJSON(mu.SetJson, false); err != nil {
		return err
	}
	if err := b.addJSON(mu.DeleteJson, true); err != nil {
		return err
	}
	if err := b.addRDF(mu.SetNquads, false); err != nil {
		return err
	}
	return b.addRDF(mu.DelNquads, true)
}

// node resolves a subject or object: "_:name" is a blank node, anything else a uid.
func (b *builder) node(s string, del bool) (uint64, error) {
	if strings.HasPrefix(s, graph.BlankPrefix) {
		if del {
			return 0, errors.Errorf("blank node %s in deletion", s)
		}
		name := strings.TrimPrefix(s, graph.BlankPrefix)
		if uid, ok := b.blanks[name]; ok {
			return uid, nil
		}
		b.s.uid++
		b.blanks[name] = b.s.uid
		return b.s.uid, nil
	}
	uid, err := graph.ParseUID(s)
	if err != nil {
		return 0, err
	}
	if uid == 0 {
		return 0, errors.New("uid 0 is not valid")
	}
	return uid, nil
}

func (b *builder) addNQuad(nq *api.NQuad, del bool) error {
	if nq.Predicate == "" {
		return errors.New("nquad without predicate")
	}
	uid, err := b.node(nq.Subject, del)
	if err != nil {
		return err
	}
	w := write{del: del, uid: uid, pred: nq.Predicate}
	switch {
	case nq.ObjectId != "":
		if w.object, err = b.node(nq.ObjectId, del); err != nil {
			return err
		}
		w.edge = true
	case nq.ObjectValue != nil:
		w.value = graph.ValueFromAPI(nq.ObjectValue).String()
		w.all = del && w.value == starAll
	default:
		return errors.Errorf("nquad %s %s has no object", nq.Subject, nq.Predicate)
	}
	b.writes = append(b.writes, w)
	return nil
}

func (b *builder) addJSON(data []byte, del bool) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "malformed json mutation")
	}
	switch x := doc.(type) {
	case map[string]interface{}:
		_, err := b.addObject(x, del)
		return err
	case []interface{}:
		for _, item := range x {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return errors.New("json mutation list must hold objects")
			}
			if _, err := b.addObject(obj, del); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.New("json mutation must be an object or a list")
}

func (b *builder) addObject(obj map[string]interface{}, del bool) (uint64, error) {
	var uid uint64
	var err error
	if id, ok := obj["uid"].(string); ok {
		uid, err = b.node(id, del)
	} else if del {
		err = errors.New("deletion without uid")
	} else {
		b.s.uid++
		uid = b.s.uid
	}
	if err != nil {
		return 0, err
	}

	preds := make([]string, 0, len(obj))
	for k := range obj {
		if k != "uid" {
			preds = append(preds, k)
		}
	}
	sort.Strings(preds)
	for _, pred := range preds {
		if err = b.addField(uid, pred, obj[pred], del); err != nil {
			return 0, err
		}
	}
	return uid, nil
}

func (b *builder) addField(uid uint64, pred string, v interface{}, del bool) error {
	switch x := v.(type) {
	case nil:
		if del {
			b.writes = append(b.writes, write{del: true, uid: uid, pred: pred, all: true})
		}
		return nil
	case map[string]interface{}:
		child, err := b.addObject(x, del)
		if err != nil {
			return err
		}
		b.writes = append(b.writes, write{del: del, uid: uid, pred: pred, edge: true, object: child})
		return nil
	case []interface{}:
		for _, item := range x {
			if err := b.addField(uid, pred, item, del); err != nil {
				return err
			}
		}
		return nil
	}
	b.writes = append(b.writes, write{del: del, uid: uid, pred: pred, value: scalarString(v)})
	return nil
}

func scalarString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

var (
	rdfLine   = regexp.MustCompile(`^(\S+)\s+<([^>]+)>\s+(.+?)\s*\.$`)
	rdfString = regexp.MustCompile(`^("(?:[^"\\]|\\.)*")(?:\^\^<[^>]*>|@\S+)?$`)
)

// addRDF reads N-Quad text, one triple per line, without labels or facets.
func (b *builder) addRDF(data []byte, del bool) error {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := rdfLine.FindStringSubmatch(line)
		if m == nil {
			return errors.Errorf("malformed nquad %q", line)
		}
		nq := &api.NQuad{Subject: rdfNode(m[1]), Predicate: m[2]}
		object := m[3]
		switch {
		case object == "*":
			nq.ObjectValue = &api.Value{Val: &api.Value_DefaultVal{DefaultVal: starAll}}
		case strings.HasPrefix(object, `"`):
			sm := rdfString.FindStringSubmatch(object)
			if sm == nil {
				return errors.Errorf("malformed literal in %q", line)
			}
			s, err := strconv.Unquote(sm[1])
			if err != nil {
				return errors.Wrapf(err, "malformed literal in %q", line)
			}
			nq.ObjectValue = &api.Value{Val: &api.Value_DefaultVal{DefaultVal: s}}
		default:
			nq.ObjectId = rdfNode(object)
		}
		if err := b.addNQuad(nq, del); err != nil {
			return err
		}
	}
	return nil
}

func rdfNode(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
}

// conflictKeys returns the keys and predicates written by ws. A write to an @upsert indexed predicate also claims
// the index entry of its value, so two transactions creating the same value conflict.
func (s *Server) conflictKeys(ws []write) ([]string, []string) {
	keys := make(map[string]struct{})
	preds := make(map[string]struct{})
	for _, w := range ws {
		preds[w.pred] = struct{}{}
		keys[fmt.Sprintf("%s|%x", w.pred, w.uid)] = struct{}{}
		if p, ok := s.schema[w.pred]; ok && p.Upsert && !w.edge && !w.all {
			keys[fmt.Sprintf("idx|%s|%s", w.pred, w.value)] = struct{}{}
		}
	}
	return sortedKeys(keys), sortedKeys(preds)
}

// apply makes w visible. s.mu must be held.
func (s *Server) apply(w write) {
	if w.edge {
		if w.del {
			delete(s.edges[w.pred][w.uid], w.object)
			return
		}
		if s.edges[w.pred] == nil {
			s.edges[w.pred] = make(map[uint64]map[uint64]struct{})
		}
		if s.edges[w.pred][w.uid] == nil {
			s.edges[w.pred][w.uid] = make(map[uint64]struct{})
		}
		s.edges[w.pred][w.uid][w.object] = struct{}{}
		return
	}
	if w.del {
		if w.all {
			delete(s.props[w.pred], w.uid)
			delete(s.edges[w.pred], w.uid)
			return
		}
		if v, ok := s.props[w.pred][w.uid]; ok && v == w.value {
			delete(s.props[w.pred], w.uid)
		}
		return
	}
	if s.props[w.pred] == nil {
		s.props[w.pred] = make(map[uint64]string)
	}
	s.props[w.pred][w.uid] = w.value
}
