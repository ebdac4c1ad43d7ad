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
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dgraph-io/dgo/v2/protos/api"
	"github.com/opentracing/opentracing-go"
	"github.com/pingcap-incubator/tinydgraph/schema"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TxnState is the state of a transaction. TxnOK is the only state that is left, and never re-entered.
type TxnState int

// Transaction states.
const (
	TxnOK TxnState = iota
	TxnCommitted
	TxnAborted
	TxnError
)

func (s TxnState) String() string {
	switch s {
	case TxnOK:
		return "OK"
	case TxnCommitted:
		return "Committed"
	case TxnAborted:
		return "Aborted"
	case TxnError:
		return "Error"
	}
	return "Unknown"
}

const defaultSchemaQuery = "schema { }"

// Txn is a Dgraph transaction. It is owned by a single goroutine.
//
// A Txn must end with Commit or Discard. Discard is a no-op on a finished transaction, so the usual pattern is
//
//	txn := c.NewTxn()
//	defer txn.Discard(ctx)
//	... queries and mutations ...
//	err := txn.Commit(ctx)
type Txn struct {
	c *Client

	state   TxnState
	startTs uint64
	keys    map[string]struct{}
	preds   map[string]struct{}
	mutated bool
}

// State returns the current state.
func (t *Txn) State() TxnState { return t.state }

// StartTs returns the start ts assigned by the server, or 0 before the first response.
func (t *Txn) StartTs() uint64 { return t.startTs }

// HasMutated reports whether a non-empty mutation was sent.
func (t *Txn) HasMutated() bool { return t.mutated }

// Keys returns the conflict keys collected so far, sorted.
func (t *Txn) Keys() []string { return sortedSet(t.keys) }

// Preds returns the predicates touched so far, sorted.
func (t *Txn) Preds() []string { return sortedSet(t.preds) }

// NewMutation returns an empty mutation that Submit sends through this transaction.
func (t *Txn) NewMutation() *Mutation {
	return &Mutation{txn: t}
}

// Query runs q and returns the JSON result.
func (t *Txn) Query(ctx context.Context, q string) ([]byte, error) {
	return t.QueryWithVars(ctx, q, nil)
}

// QueryWithVars runs q with the given GraphQL+- variables and returns the JSON result. A failed query leaves the
// transaction usable.
func (t *Txn) QueryWithVars(ctx context.Context, q string, vars map[string]string) ([]byte, error) {
	t.c.checkClosed()
	if t.state != TxnOK {
		return nil, t.finishedError()
	}
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("dgraph.Query", opentracing.ChildOf(span.Context()))
		defer span.Finish()
	}

	req := &api.Request{
		StartTs: t.startTs,
		Query:   q,
		Vars:    vars,
	}
	resp, err := t.send(ctx, req, cmdDurationQuery, cmdFailedDurationQuery)
	if err != nil {
		return nil, errors.Wrap(err, "query failed")
	}
	if err = t.mergeContext(resp.GetTxn()); err != nil {
		return nil, err
	}
	return resp.GetJson(), nil
}

// SchemaQuery runs a schema query such as `schema(pred: [name]) { type index }`. An empty q queries the whole
// schema. Any other kind of query fails with ErrNotSchemaQuery before reaching the server.
func (t *Txn) SchemaQuery(ctx context.Context, q string) (*schema.Schema, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		q = defaultSchemaQuery
	}
	if !isSchemaQuery(q) {
		return nil, errors.WithStack(ErrNotSchemaQuery)
	}
	payload, err := t.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	s, err := schema.Parse(payload)
	return s, errors.Wrap(err, "schema query failed")
}

func isSchemaQuery(q string) bool {
	const keyword = "schema"
	if !strings.HasPrefix(q, keyword) {
		return false
	}
	rest := q[len(keyword):]
	if rest == "" {
		return true
	}
	r := rune(rest[0])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}

// Mutate sends mu and returns the uids allocated for its blank nodes, keyed by blank name without "_:".
//
// A mutation with nothing to set or delete succeeds without a request and does not count as a mutation. If the
// request fails the transaction is discarded and moves to TxnError. If mu.CommitNow is set a successful request
// moves the transaction to TxnCommitted.
func (t *Txn) Mutate(ctx context.Context, mu *api.Mutation) (map[string]string, error) {
	t.c.checkClosed()
	if t.state != TxnOK {
		return nil, t.finishedError()
	}
	if isEmptyMutation(mu) {
		return map[string]string{}, nil
	}
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("dgraph.Mutate", opentracing.ChildOf(span.Context()))
		defer span.Finish()
	}

	t.mutated = true
	req := &api.Request{
		StartTs:   t.startTs,
		Mutations: []*api.Mutation{mu},
		CommitNow: mu.CommitNow,
	}
	resp, err := t.send(ctx, req, cmdDurationMutate, cmdFailedDurationMutate)
	if err != nil {
		t.Discard(ctx)
		t.state = TxnError
		return nil, errors.Wrap(err, "mutate failed")
	}
	if mu.CommitNow {
		t.state = TxnCommitted
	}
	if err = t.mergeContext(resp.GetTxn()); err != nil {
		return nil, err
	}
	uids := resp.GetUids()
	if uids == nil {
		uids = map[string]string{}
	}
	return uids, nil
}

// MutateJSON sets the nodes described by a JSON document.
func (t *Txn) MutateJSON(ctx context.Context, setJSON []byte) (map[string]string, error) {
	return t.Mutate(ctx, &api.Mutation{SetJson: setJSON})
}

// DeleteJSON deletes the edges described by a JSON document.
func (t *Txn) DeleteJSON(ctx context.Context, deleteJSON []byte) error {
	_, err := t.Mutate(ctx, &api.Mutation{DeleteJson: deleteJSON})
	return err
}

// Commit commits the transaction. The transaction is TxnCommitted once Commit is called, even if the request
// fails. A conflict with another transaction is reported as ErrAborted.
func (t *Txn) Commit(ctx context.Context) error {
	t.c.checkClosed()
	if t.state != TxnOK {
		return t.finishedError()
	}
	t.state = TxnCommitted
	if !t.mutated {
		return nil
	}
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("dgraph.Commit", opentracing.ChildOf(span.Context()))
		defer span.Finish()
	}

	err := t.commitOrAbort(ctx, false)
	if err == nil {
		return nil
	}
	if errors.Cause(err) == ErrAborted {
		return err
	}
	if s, ok := status.FromError(errors.Cause(err)); ok && s.Code() == codes.Aborted {
		return errors.WithStack(ErrAborted)
	}
	return errors.Wrap(err, "commit failed")
}

// Discard aborts the transaction if it is still OK, and does nothing otherwise. The server is only told when
// something was mutated; a failure to tell it is logged and dropped.
func (t *Txn) Discard(ctx context.Context) {
	if t.state != TxnOK {
		return
	}
	t.state = TxnAborted
	if !t.mutated {
		return
	}
	if err := t.commitOrAbort(ctx, true); err != nil {
		log.Warn("[dgraph] discard failed", zap.Uint64("start-ts", t.startTs), zap.Error(err))
	}
}

func (t *Txn) finishedError() error {
	return errors.WithStack(&TxnFinishedError{State: t.state})
}

func (t *Txn) send(ctx context.Context, req *api.Request, ok, failed prometheus.Observer) (*api.Response, error) {
	conn, err := t.c.anyConnection()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, cancel := t.c.rpcContext(ctx)
	resp, err := conn.Query(ctx, req)
	cancel()
	observeCmd(start, err, ok, failed)
	return resp, err
}

func (t *Txn) commitOrAbort(ctx context.Context, abort bool) error {
	conn, err := t.c.anyConnection()
	if err != nil {
		return err
	}
	tc := &api.TxnContext{
		StartTs: t.startTs,
		Aborted: abort,
		Keys:    t.Keys(),
		Preds:   t.Preds(),
	}
	ok, failed := cmdDurationCommit, cmdFailedDurationCommit
	if abort {
		ok, failed = cmdDurationDiscard, cmdFailedDurationDiscard
	}

	start := time.Now()
	ctx, cancel := t.c.rpcContext(ctx)
	resp, err := conn.CommitOrAbort(ctx, tc)
	cancel()
	observeCmd(start, err, ok, failed)
	if err != nil {
		return err
	}
	if !abort && resp.GetAborted() {
		return errors.WithStack(ErrAborted)
	}
	return nil
}

// mergeContext folds a response's transaction context into the local one. The first start ts seen is kept; a
// different one later is an error and nothing from that response is merged.
func (t *Txn) mergeContext(src *api.TxnContext) error {
	if src == nil {
		return nil
	}
	if t.startTs == 0 {
		t.startTs = src.StartTs
	}
	if t.startTs != src.StartTs {
		return errors.Wrapf(ErrStartTsMismatch, "have %d, got %d", t.startTs, src.StartTs)
	}
	for _, k := range src.Keys {
		t.keys[k] = struct{}{}
	}
	for _, p := range src.Preds {
		t.preds[p] = struct{}{}
	}
	return nil
}

func isEmptyMutation(mu *api.Mutation) bool {
	if mu == nil {
		return true
	}
	return len(mu.Set) == 0 && len(mu.Del) == 0 &&
		isEmptyDocument(mu.SetJson) && isEmptyDocument(mu.DeleteJson) &&
		isEmptyDocument(mu.SetNquads) && isEmptyDocument(mu.DelNquads)
}

// isEmptyDocument reports whether a JSON or N-Quad payload has nothing in it: blank, "{}" or "[]".
func isEmptyDocument(b []byte) bool {
	s := strings.Join(strings.Fields(string(b)), "")
	return s == "" || s == "{}" || s == "[]"
}

func sortedSet(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	s := make([]string, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	sort.Strings(s)
	return s
}
