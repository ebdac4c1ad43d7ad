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

package graph

import (
	"github.com/pkg/errors"
)

// ErrBadArgs is returned when a link is built from a nil node or value, or an empty predicate.
var ErrBadArgs = errors.New("graph: bad arguments")

// Facet is a key/value annotation on a link.
type Facet struct {
	Key   string
	Value string
}

type link struct {
	Source    Node
	Predicate string
	Facets    []Facet
}

func newLink(source Node, predicate string, facets []Facet) (link, error) {
	if source == nil || predicate == "" {
		return link{}, errors.WithStack(ErrBadArgs)
	}
	var kept []Facet
	for _, f := range facets {
		if f.Key == "" || f.Value == "" {
			continue
		}
		kept = append(kept, f)
	}
	return link{Source: source, Predicate: predicate, Facets: kept}, nil
}

// Edge links two nodes.
type Edge struct {
	link
	Target Node
}

// NewEdge builds an edge. Facets with an empty key or value are dropped.
func NewEdge(source Node, predicate string, target Node, facets ...Facet) (*Edge, error) {
	if target == nil {
		return nil, errors.WithStack(ErrBadArgs)
	}
	l, err := newLink(source, predicate, facets)
	if err != nil {
		return nil, err
	}
	return &Edge{link: l, Target: target}, nil
}

// Property links a node to a value.
type Property struct {
	link
	Value *Value
}

// NewProperty builds a property. Facets with an empty key or value are dropped.
func NewProperty(source Node, predicate string, value *Value, facets ...Facet) (*Property, error) {
	if value == nil {
		return nil, errors.WithStack(ErrBadArgs)
	}
	l, err := newLink(source, predicate, facets)
	if err != nil {
		return nil, err
	}
	return &Property{link: l, Value: value}, nil
}
