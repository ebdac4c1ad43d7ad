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
	"fmt"
	"strings"

	"github.com/dgraph-io/dgo/v2/protos/api"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ = Suite(&testTxnSuite{})

type testTxnSuite struct {
	ctx context.Context
}

func (s *testTxnSuite) SetUpSuite(c *C) {
	s.ctx = context.Background()
}

func (s *testTxnSuite) mutation() *api.Mutation {
	return &api.Mutation{SetJson: []byte(`{"uid":"_:a","name":"alice"}`)}
}

func (s *testTxnSuite) TestQueryMergesStartTs(c *C) {
	f := newFakeDgraph()
	txn := newTestClient(c, f).NewTxn()

	res, err := txn.QueryWithVars(s.ctx, "query q($v: string) { q(func: eq(name, $v)) { uid } }",
		map[string]string{"$v": "alice"})
	c.Assert(err, IsNil)
	c.Assert(string(res), Equals, "{}")
	c.Assert(txn.StartTs(), Equals, uint64(7))
	c.Assert(txn.State(), Equals, TxnOK)
	c.Assert(f.queries[0].StartTs, Equals, uint64(0))
	c.Assert(f.queries[0].Vars["$v"], Equals, "alice")

	_, err = txn.Query(s.ctx, "{ q(func: uid(1)) { uid } }")
	c.Assert(err, IsNil)
	c.Assert(f.queries[1].StartTs, Equals, uint64(7))
}

func (s *testTxnSuite) TestQueryFailureKeepsTxnUsable(c *C) {
	f := newFakeDgraph()
	f.queryFn = func(*api.Request) (*api.Response, error) {
		return nil, status.Error(codes.Unavailable, "down")
	}
	txn := newTestClient(c, f).NewTxn()
	_, err := txn.Query(s.ctx, "{ q(func: uid(1)) { uid } }")
	c.Assert(err, NotNil)
	c.Assert(status.Code(errors.Cause(err)), Equals, codes.Unavailable)
	c.Assert(txn.State(), Equals, TxnOK)
	c.Assert(f.numCommits(), Equals, 0)
}

// finishedTxn returns a transaction driven into state.
func (s *testTxnSuite) finishedTxn(c *C, f *fakeDgraph, state TxnState) *Txn {
	txn := newTestClient(c, f).NewTxn()
	_, err := txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)
	switch state {
	case TxnCommitted:
		c.Assert(txn.Commit(s.ctx), IsNil)
	case TxnAborted:
		txn.Discard(s.ctx)
	case TxnError:
		f.queryFn = func(*api.Request) (*api.Response, error) {
			return nil, status.Error(codes.Unavailable, "down")
		}
		_, err = txn.Mutate(s.ctx, s.mutation())
		c.Assert(err, NotNil)
	}
	c.Assert(txn.State(), Equals, state)
	return txn
}

func (s *testTxnSuite) TestStateLockout(c *C) {
	for _, state := range []TxnState{TxnCommitted, TxnAborted, TxnError} {
		f := newFakeDgraph()
		txn := s.finishedTxn(c, f, state)
		queries, commits := f.numQueries(), f.numCommits()

		checkFinished := func(err error) {
			c.Assert(IsTxnFinished(err), IsTrue, Commentf("state %s", state))
			c.Assert(errors.Cause(err).(*TxnFinishedError).State, Equals, state)
		}
		_, err := txn.Query(s.ctx, "{ q(func: uid(1)) { uid } }")
		checkFinished(err)
		_, err = txn.QueryWithVars(s.ctx, "{ q(func: uid(1)) { uid } }", nil)
		checkFinished(err)
		_, err = txn.Mutate(s.ctx, s.mutation())
		checkFinished(err)
		_, err = txn.MutateJSON(s.ctx, []byte(`{"name":"bob"}`))
		checkFinished(err)
		checkFinished(txn.Commit(s.ctx))
		txn.Discard(s.ctx)

		c.Assert(txn.State(), Equals, state)
		c.Assert(f.numQueries(), Equals, queries)
		c.Assert(f.numCommits(), Equals, commits)
	}
}

func (s *testTxnSuite) TestEmptyMutation(c *C) {
	f := newFakeDgraph()
	txn := newTestClient(c, f).NewTxn()

	for _, doc := range []string{"{}", "[]", "", "  ", "{ }"} {
		uids, err := txn.MutateJSON(s.ctx, []byte(doc))
		c.Assert(err, IsNil)
		c.Assert(uids, HasLen, 0)
	}
	c.Assert(txn.DeleteJSON(s.ctx, []byte("{}")), IsNil)
	uids, err := txn.Mutate(s.ctx, &api.Mutation{CommitNow: true})
	c.Assert(err, IsNil)
	c.Assert(uids, HasLen, 0)
	_, err = txn.Mutate(s.ctx, nil)
	c.Assert(err, IsNil)

	c.Assert(txn.HasMutated(), IsFalse)
	c.Assert(txn.State(), Equals, TxnOK)
	c.Assert(f.numQueries(), Equals, 0)

	c.Assert(txn.Commit(s.ctx), IsNil)
	c.Assert(txn.State(), Equals, TxnCommitted)
	c.Assert(f.numCommits(), Equals, 0)
}

func (s *testTxnSuite) TestDiscardIdempotent(c *C) {
	f := newFakeDgraph()
	cli := newTestClient(c, f)

	txn := cli.NewTxn()
	txn.Discard(s.ctx)
	c.Assert(txn.State(), Equals, TxnAborted)
	c.Assert(f.numCommits(), Equals, 0)

	txn = cli.NewTxn()
	_, err := txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)
	for i := 0; i < 3; i++ {
		txn.Discard(s.ctx)
	}
	c.Assert(txn.State(), Equals, TxnAborted)
	c.Assert(f.numCommits(), Equals, 1)
	tc := f.lastCommit()
	c.Assert(tc.Aborted, IsTrue)
	c.Assert(tc.StartTs, Equals, uint64(7))
	c.Assert(tc.Keys, DeepEquals, []string{"k1"})

	txn = cli.NewTxn()
	_, err = txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)
	c.Assert(txn.Commit(s.ctx), IsNil)
	txn.Discard(s.ctx)
	c.Assert(txn.State(), Equals, TxnCommitted)
	c.Assert(f.numCommits(), Equals, 2)
	c.Assert(f.lastCommit().Aborted, IsFalse)
}

func (s *testTxnSuite) TestDiscardSwallowsErrors(c *C) {
	f := newFakeDgraph()
	f.commitFn = func(*api.TxnContext) (*api.TxnContext, error) {
		return nil, status.Error(codes.Unavailable, "down")
	}
	txn := newTestClient(c, f).NewTxn()
	_, err := txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)
	txn.Discard(s.ctx)
	c.Assert(txn.State(), Equals, TxnAborted)
}

func (s *testTxnSuite) TestCommitBeforeAck(c *C) {
	f := newFakeDgraph()
	txn := newTestClient(c, f).NewTxn()
	var during TxnState
	f.commitFn = func(*api.TxnContext) (*api.TxnContext, error) {
		during = txn.State()
		return nil, status.Error(codes.Unavailable, "lost")
	}
	_, err := txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)

	err = txn.Commit(s.ctx)
	c.Assert(err, NotNil)
	c.Assert(status.Code(errors.Cause(err)), Equals, codes.Unavailable)
	c.Assert(during, Equals, TxnCommitted)
	c.Assert(txn.State(), Equals, TxnCommitted)
	c.Assert(IsTxnFinished(txn.Commit(s.ctx)), IsTrue)
}

func (s *testTxnSuite) TestCommitConflict(c *C) {
	f := newFakeDgraph()
	cli := newTestClient(c, f)

	f.commitFn = func(*api.TxnContext) (*api.TxnContext, error) {
		return nil, status.Error(codes.Aborted, "conflict")
	}
	txn := cli.NewTxn()
	_, err := txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)
	c.Assert(errors.Cause(txn.Commit(s.ctx)), Equals, ErrAborted)

	f.commitFn = func(tc *api.TxnContext) (*api.TxnContext, error) {
		return &api.TxnContext{StartTs: tc.StartTs, Aborted: true}, nil
	}
	txn = cli.NewTxn()
	_, err = txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)
	c.Assert(errors.Cause(txn.Commit(s.ctx)), Equals, ErrAborted)
	c.Assert(txn.State(), Equals, TxnCommitted)
}

func (s *testTxnSuite) TestStartTsMismatch(c *C) {
	f := newFakeDgraph()
	ts := []uint64{7, 8}
	f.queryFn = func(*api.Request) (*api.Response, error) {
		t := ts[0]
		ts = ts[1:]
		return &api.Response{Txn: &api.TxnContext{StartTs: t, Keys: []string{fmt.Sprintf("key%d", t)}}}, nil
	}
	txn := newTestClient(c, f).NewTxn()
	_, err := txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)
	_, err = txn.Mutate(s.ctx, s.mutation())
	c.Assert(errors.Cause(err), Equals, ErrStartTsMismatch)
	c.Assert(txn.StartTs(), Equals, uint64(7))
	c.Assert(txn.Keys(), DeepEquals, []string{"key7"})

	c.Assert(txn.Commit(s.ctx), IsNil)
	c.Assert(f.lastCommit().Keys, DeepEquals, []string{"key7"})
}

func (s *testTxnSuite) TestMutateFailureMovesToError(c *C) {
	f := newFakeDgraph()
	txn := newTestClient(c, f).NewTxn()
	_, err := txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, IsNil)

	f.queryFn = func(*api.Request) (*api.Response, error) {
		return nil, status.Error(codes.Unavailable, "broken pipe")
	}
	_, err = txn.Mutate(s.ctx, s.mutation())
	c.Assert(err, NotNil)
	c.Assert(txn.State(), Equals, TxnError)
	c.Assert(f.numCommits(), Equals, 1)
	c.Assert(f.lastCommit().Aborted, IsTrue)

	err = txn.Commit(s.ctx)
	c.Assert(IsTxnFinished(err), IsTrue)
	c.Assert(strings.HasSuffix(err.Error(), "Error"), IsTrue)
}

func (s *testTxnSuite) TestCommitNow(c *C) {
	f := newFakeDgraph()
	txn := newTestClient(c, f).NewTxn()
	mu := s.mutation()
	mu.CommitNow = true
	uids, err := txn.Mutate(s.ctx, mu)
	c.Assert(err, IsNil)
	c.Assert(uids, DeepEquals, map[string]string{"a": "0x1"})
	c.Assert(f.queries[0].CommitNow, IsTrue)
	c.Assert(txn.State(), Equals, TxnCommitted)
	c.Assert(IsTxnFinished(txn.Commit(s.ctx)), IsTrue)
	c.Assert(f.numCommits(), Equals, 0)
}

func (s *testTxnSuite) TestKeysAndPredsSentSorted(c *C) {
	f := newFakeDgraph()
	resps := [][]string{{"b", "a"}, {"c", "a"}}
	f.queryFn = func(*api.Request) (*api.Response, error) {
		keys := resps[0]
		resps = resps[1:]
		return &api.Response{Txn: &api.TxnContext{StartTs: 3, Keys: keys, Preds: keys}}, nil
	}
	txn := newTestClient(c, f).NewTxn()
	for i := 0; i < 2; i++ {
		_, err := txn.Mutate(s.ctx, s.mutation())
		c.Assert(err, IsNil)
	}
	c.Assert(txn.Commit(s.ctx), IsNil)
	tc := f.lastCommit()
	c.Assert(tc.StartTs, Equals, uint64(3))
	c.Assert(tc.Keys, DeepEquals, []string{"a", "b", "c"})
	c.Assert(tc.Preds, DeepEquals, []string{"a", "b", "c"})
}

func (s *testTxnSuite) TestSchemaQuery(c *C) {
	f := newFakeDgraph()
	f.queryFn = func(req *api.Request) (*api.Response, error) {
		return &api.Response{
			Txn:  &api.TxnContext{StartTs: 1},
			Json: []byte(`{"schema":[{"predicate":"name","type":"string","index":true,"tokenizer":["exact"]}]}`),
		}, nil
	}
	txn := newTestClient(c, f).NewTxn()

	_, err := txn.SchemaQuery(s.ctx, "{ q(func: uid(1)) { uid } }")
	c.Assert(errors.Cause(err), Equals, ErrNotSchemaQuery)
	_, err = txn.SchemaQuery(s.ctx, "schemas { }")
	c.Assert(errors.Cause(err), Equals, ErrNotSchemaQuery)
	c.Assert(f.numQueries(), Equals, 0)

	sch, err := txn.SchemaQuery(s.ctx, "")
	c.Assert(err, IsNil)
	c.Assert(f.queries[0].Query, Equals, "schema { }")
	c.Assert(sch.Schema, HasLen, 1)
	c.Assert(sch.Predicate("name").Tokenizer, DeepEquals, []string{"exact"})

	_, err = txn.SchemaQuery(s.ctx, "  schema(pred: [name]) { type }")
	c.Assert(err, IsNil)
	c.Assert(f.queries[1].Query, Equals, "schema(pred: [name]) { type }")

	f.queryFn = func(req *api.Request) (*api.Response, error) {
		return &api.Response{Txn: &api.TxnContext{StartTs: 1}, Json: []byte(`{"schema":7}`)}, nil
	}
	_, err = txn.SchemaQuery(s.ctx, "schema {}")
	c.Assert(err, NotNil)
	c.Assert(errors.Cause(err), Not(Equals), ErrNotSchemaQuery)
}

func (s *testTxnSuite) TestClosedClientPanics(c *C) {
	f := newFakeDgraph()
	cli := newTestClient(c, f)
	txn := cli.NewTxn()
	cli.Close()
	c.Assert(func() { txn.Query(s.ctx, "{}") }, Panics, ErrClientClosed)
	c.Assert(func() { txn.Mutate(s.ctx, s.mutation()) }, Panics, ErrClientClosed)
	c.Assert(func() { txn.Commit(s.ctx) }, Panics, ErrClientClosed)
	txn.Discard(s.ctx)
}

func (s *testTxnSuite) TestStateString(c *C) {
	c.Assert(TxnOK.String(), Equals, "OK")
	c.Assert(TxnCommitted.String(), Equals, "Committed")
	c.Assert(TxnAborted.String(), Equals, "Aborted")
	c.Assert(TxnError.String(), Equals, "Error")
}
