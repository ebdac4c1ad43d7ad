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
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/juju/ratelimit"
	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Routing decides which buffer of a BatchClient an update goes to.
type Routing int

// Routing policies.
const (
	// RouteRoundRobin spreads updates over all buffers.
	RouteRoundRobin Routing = iota
	// RouteSubjectHash sends all updates of one subject to the same buffer.
	RouteSubjectHash
)

func (r Routing) String() string {
	switch r {
	case RouteRoundRobin:
		return "round-robin"
	case RouteSubjectHash:
		return "subject-hash"
	}
	return "unknown"
}

// ParseRouting parses the String form of a Routing.
func ParseRouting(s string) (Routing, error) {
	switch s {
	case "", "round-robin":
		return RouteRoundRobin, nil
	case "subject-hash":
		return RouteSubjectHash, nil
	}
	return RouteRoundRobin, errors.Errorf("unknown batch routing %q", s)
}

type batchOptions struct {
	routing    Routing
	submitRate float64
}

// BatchOption configures a BatchClient.
type BatchOption func(*batchOptions)

// WithRouting sets the routing policy.
func WithRouting(r Routing) BatchOption {
	return func(o *batchOptions) { o.routing = r }
}

// WithSubmitRate limits batch submissions to rate per second. Zero means unlimited.
func WithSubmitRate(rate float64) BatchOption {
	return func(o *batchOptions) { o.submitRate = rate }
}

type batchBuffer struct {
	sync.Mutex
	mu *Mutation
}

// FailedLinks are the links of batches that could not be committed.
type FailedLinks struct {
	AddEdges      []*graph.Edge
	AddProperties []*graph.Property
	DelEdges      []*graph.Edge
	DelProperties []*graph.Property
}

// Len returns the total number of links.
func (f FailedLinks) Len() int {
	return len(f.AddEdges) + len(f.AddProperties) + len(f.DelEdges) + len(f.DelProperties)
}

// BatchClient groups single edge and property updates into batches and commits every batch in its own
// transaction. Updates are spread over a fixed set of buffers, each with its own lock, so a slow or conflicting
// batch only holds up the callers of its buffer.
//
// A batch whose transaction fails is kept whole; AllLinksFromFailedMutations hands its links back for resubmission.
type BatchClient struct {
	*Client

	batchSize int
	routing   Routing
	bucket    *ratelimit.Bucket
	buffers   []*batchBuffer
	next      atomic.Uint64

	failedMu struct {
		sync.Mutex
		muts []*Mutation
	}
	numFailed atomic.Int64
}

// NewBatchClient returns a BatchClient with numBatches buffers over c. A buffer is submitted when it holds
// batchSize updates.
func NewBatchClient(c *Client, numBatches, batchSize int, opts ...BatchOption) (*BatchClient, error) {
	if numBatches < 1 || batchSize < 1 {
		return nil, errors.Errorf("invalid batch client: %d batches of %d", numBatches, batchSize)
	}
	var o batchOptions
	for _, opt := range opts {
		opt(&o)
	}
	b := &BatchClient{
		Client:    c,
		batchSize: batchSize,
		routing:   o.routing,
		buffers:   make([]*batchBuffer, numBatches),
	}
	for i := range b.buffers {
		b.buffers[i] = &batchBuffer{mu: NewMutation()}
	}
	if o.submitRate > 0 {
		capacity := int64(o.submitRate)
		if capacity < 1 {
			capacity = 1
		}
		b.bucket = ratelimit.NewBucketWithRate(o.submitRate, capacity)
	}
	return b, nil
}

// BatchAddEdge queues e for addition. A nil edge is ignored.
func (b *BatchClient) BatchAddEdge(ctx context.Context, e *graph.Edge) {
	if e == nil {
		return
	}
	b.apply(ctx, e.Source, func(m *Mutation) { m.AddEdge(e) })
}

// BatchAddProperty queues p for addition. A nil property is ignored.
func (b *BatchClient) BatchAddProperty(ctx context.Context, p *graph.Property) {
	if p == nil {
		return
	}
	b.apply(ctx, p.Source, func(m *Mutation) { m.AddProperty(p) })
}

// BatchDeleteEdge queues e for deletion. A nil edge is ignored.
func (b *BatchClient) BatchDeleteEdge(ctx context.Context, e *graph.Edge) {
	if e == nil {
		return
	}
	b.apply(ctx, e.Source, func(m *Mutation) { m.DeleteEdge(e) })
}

// BatchDeleteProperty queues p for deletion. A nil property is ignored.
func (b *BatchClient) BatchDeleteProperty(ctx context.Context, p *graph.Property) {
	if p == nil {
		return
	}
	b.apply(ctx, p.Source, func(m *Mutation) { m.DeleteProperty(p) })
}

// FlushBatches submits every non-empty buffer. All buffers are locked in order and held until the last one is
// flushed, so each buffer was empty at some point during the call; updates racing with it may still be pending
// when it returns.
func (b *BatchClient) FlushBatches(ctx context.Context) {
	b.checkClosed()
	for _, buf := range b.buffers {
		buf.Lock()
		if buf.mu.Len() > 0 {
			b.submit(ctx, buf)
		}
	}
	for _, buf := range b.buffers {
		buf.Unlock()
	}
}

// HasFailedBatches reports whether some batch failed since the last AllLinksFromFailedMutations.
func (b *BatchClient) HasFailedBatches() bool {
	return b.numFailed.Load() > 0
}

// AllLinksFromFailedMutations removes the failed batches and returns their links.
func (b *BatchClient) AllLinksFromFailedMutations() FailedLinks {
	b.failedMu.Lock()
	muts := b.failedMu.muts
	b.failedMu.muts = nil
	b.numFailed.Store(0)
	b.failedMu.Unlock()

	var res FailedLinks
	for _, m := range muts {
		edges, props := m.AllAddLinks()
		res.AddEdges = append(res.AddEdges, edges...)
		res.AddProperties = append(res.AddProperties, props...)
		edges, props = m.AllDeleteLinks()
		res.DelEdges = append(res.DelEdges, edges...)
		res.DelProperties = append(res.DelProperties, props...)
	}
	return res
}

func (b *BatchClient) apply(ctx context.Context, subject graph.Node, f func(*Mutation)) {
	b.checkClosed()
	buf := b.buffers[b.pick(subject)]
	buf.Lock()
	defer buf.Unlock()
	f(buf.mu)
	if buf.mu.Len() >= b.batchSize {
		b.submit(ctx, buf)
	}
}

func (b *BatchClient) pick(subject graph.Node) int {
	n := uint64(len(b.buffers))
	if b.routing == RouteSubjectHash {
		return int(farm.Fingerprint64([]byte(subject.NQuadName())) % n)
	}
	return int(b.next.Inc() % n)
}

// submit sends the buffer's mutation in a new transaction and empties the buffer. buf must be locked.
func (b *BatchClient) submit(ctx context.Context, buf *batchBuffer) {
	m := buf.mu
	buf.mu = NewMutation()
	if b.bucket != nil {
		b.bucket.Wait(1)
	}
	batchSizeHistogram.Observe(float64(m.Len()))
	if err := b.commitBatch(ctx, m); err != nil {
		batchCounterFailed.Inc()
		log.Warn("[dgraph] batch failed", zap.Int("links", m.Len()), zap.Error(err))
		b.failedMu.Lock()
		b.failedMu.muts = append(b.failedMu.muts, m)
		b.numFailed.Inc()
		b.failedMu.Unlock()
		return
	}
	batchCounterOK.Inc()
}

func (b *BatchClient) commitBatch(ctx context.Context, m *Mutation) error {
	txn := b.NewTxn()
	defer txn.Discard(ctx)
	if _, err := m.SubmitTo(ctx, txn); err != nil {
		return err
	}
	return txn.Commit(ctx)
}
