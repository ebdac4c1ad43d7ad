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

package client

import (
	"context"

	"github.com/dgraph-io/dgo/v2/protos/api"
	"github.com/gogo/protobuf/proto"
	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Mutation accumulates edges and properties to add and delete, and sends them in one request.
type Mutation struct {
	txn *Txn
	set []*api.NQuad
	del []*api.NQuad
}

// NewMutation returns an empty mutation that is not bound to a transaction; send it with SubmitTo.
func NewMutation() *Mutation {
	return &Mutation{}
}

// AddEdge queues e for addition. A nil edge is ignored.
func (m *Mutation) AddEdge(e *graph.Edge) {
	if e == nil {
		return
	}
	m.set = append(m.set, edgeToNQuad(e))
}

// AddProperty queues p for addition. A nil property is ignored.
func (m *Mutation) AddProperty(p *graph.Property) {
	if p == nil {
		return
	}
	m.set = append(m.set, propertyToNQuad(p))
}

// DeleteEdge queues e for deletion. A nil edge is ignored.
func (m *Mutation) DeleteEdge(e *graph.Edge) {
	if e == nil {
		return
	}
	m.del = append(m.del, edgeToNQuad(e))
}

// DeleteProperty queues p for deletion. A nil property is ignored.
func (m *Mutation) DeleteProperty(p *graph.Property) {
	if p == nil {
		return
	}
	m.del = append(m.del, propertyToNQuad(p))
}

// NumAdditions returns the number of queued additions.
func (m *Mutation) NumAdditions() int { return len(m.set) }

// NumDeletions returns the number of queued deletions.
func (m *Mutation) NumDeletions() int { return len(m.del) }

// Len returns the number of queued additions and deletions.
func (m *Mutation) Len() int { return len(m.set) + len(m.del) }

// API returns a copy of the mutation in wire form. Later changes to m do not affect it.
func (m *Mutation) API() *api.Mutation {
	return proto.Clone(&api.Mutation{Set: m.set, Del: m.del}).(*api.Mutation)
}

// Submit sends the mutation through the transaction it was created from.
func (m *Mutation) Submit(ctx context.Context) (map[string]string, error) {
	if m.txn == nil {
		return nil, errors.WithStack(ErrNoTxn)
	}
	return m.SubmitTo(ctx, m.txn)
}

// SubmitTo sends the mutation through txn and returns the allocated uids.
func (m *Mutation) SubmitTo(ctx context.Context, txn *Txn) (map[string]string, error) {
	return txn.Mutate(ctx, m.API())
}

// AllAddLinks rebuilds the queued additions. The nodes are new values built from the wire form, so a NamedNode
// comes back as a UIDNode.
func (m *Mutation) AllAddLinks() ([]*graph.Edge, []*graph.Property) {
	return linksFromNQuads(m.set)
}

// AllDeleteLinks rebuilds the queued deletions the same way AllAddLinks does.
func (m *Mutation) AllDeleteLinks() ([]*graph.Edge, []*graph.Property) {
	return linksFromNQuads(m.del)
}

func edgeToNQuad(e *graph.Edge) *api.NQuad {
	return &api.NQuad{
		Subject:   e.Source.NQuadName(),
		Predicate: e.Predicate,
		ObjectId:  e.Target.NQuadName(),
		Facets:    toAPIFacets(e.Facets),
	}
}

func propertyToNQuad(p *graph.Property) *api.NQuad {
	return &api.NQuad{
		Subject:     p.Source.NQuadName(),
		Predicate:   p.Predicate,
		ObjectValue: p.Value.API(),
		Facets:      toAPIFacets(p.Facets),
	}
}

func toAPIFacets(facets []graph.Facet) []*api.Facet {
	if len(facets) == 0 {
		return nil
	}
	res := make([]*api.Facet, 0, len(facets))
	for _, f := range facets {
		res = append(res, &api.Facet{
			Key:     f.Key,
			Value:   []byte(f.Value),
			ValType: api.Facet_STRING,
		})
	}
	return res
}

func fromAPIFacets(facets []*api.Facet) []graph.Facet {
	if len(facets) == 0 {
		return nil
	}
	res := make([]graph.Facet, 0, len(facets))
	for _, f := range facets {
		res = append(res, graph.Facet{Key: f.Key, Value: string(f.Value)})
	}
	return res
}

func linksFromNQuads(nqs []*api.NQuad) ([]*graph.Edge, []*graph.Property) {
	var edges []*graph.Edge
	var props []*graph.Property
	for _, nq := range nqs {
		if nq.ObjectId != "" {
			e, err := edgeFromNQuad(nq)
			if err != nil {
				log.Warn("[dgraph] drop unreadable nquad", zap.String("subject", nq.Subject), zap.Error(err))
				continue
			}
			edges = append(edges, e)
			continue
		}
		p, err := propertyFromNQuad(nq)
		if err != nil {
			log.Warn("[dgraph] drop unreadable nquad", zap.String("subject", nq.Subject), zap.Error(err))
			continue
		}
		props = append(props, p)
	}
	return edges, props
}

func edgeFromNQuad(nq *api.NQuad) (*graph.Edge, error) {
	src, err := graph.NodeFromNQuadName(nq.Subject)
	if err != nil {
		return nil, err
	}
	dst, err := graph.NodeFromNQuadName(nq.ObjectId)
	if err != nil {
		return nil, err
	}
	return graph.NewEdge(src, nq.Predicate, dst, fromAPIFacets(nq.Facets)...)
}

func propertyFromNQuad(nq *api.NQuad) (*graph.Property, error) {
	src, err := graph.NodeFromNQuadName(nq.Subject)
	if err != nil {
		return nil, err
	}
	return graph.NewProperty(src, nq.Predicate, graph.ValueFromAPI(proto.Clone(nq.ObjectValue).(*api.Value)), fromAPIFacets(nq.Facets)...)
}
