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

	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pingcap-incubator/tinydgraph/pkg/mock/mockdgraph"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ = Suite(&testUpsertSuite{})

type testUpsertSuite struct {
	ctx    context.Context
	server *mockdgraph.Server
	cli    *Client
}

func (s *testUpsertSuite) SetUpTest(c *C) {
	s.ctx = context.Background()
	s.server = mockdgraph.NewServer()
	s.cli = newTestClient(c, s.server.Client())
	c.Assert(s.cli.AlterSchema(s.ctx, "Username: string @index(exact) @upsert ."), IsNil)
}

func (s *testUpsertSuite) TearDownTest(c *C) {
	s.cli.Close()
}

func (s *testUpsertSuite) countUsers(c *C, name string) int {
	var res struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	payload, err := s.cli.NewTxn().QueryWithVars(s.ctx, `query q($v: string) { q(func: eq(Username, $v)) { uid } }`,
		map[string]string{"$v": name})
	c.Assert(err, IsNil)
	c.Assert(json.Unmarshal(payload, &res), IsNil)
	return len(res.Q)
}

func (s *testUpsertSuite) TestCreateThenFind(c *C) {
	node, existed, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("alice"), nil, "", 3)
	c.Assert(err, IsNil)
	c.Assert(existed, IsFalse)
	c.Assert(node.UID(), Not(Equals), uint64(0))

	again, existed, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("alice"), nil, "", 3)
	c.Assert(err, IsNil)
	c.Assert(existed, IsTrue)
	c.Assert(again, Equals, node)
	c.Assert(s.countUsers(c, "alice"), Equals, 1)
}

func (s *testUpsertSuite) TestCustomMutation(c *C) {
	mu := []byte(`{"uid":"_:user","Username":"bob","email":"bob@example.com"}`)
	node, existed, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("bob"), mu, "_:user", 1)
	c.Assert(err, IsNil)
	c.Assert(existed, IsFalse)

	found, existed, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("bob"), mu, "user", 1)
	c.Assert(err, IsNil)
	c.Assert(existed, IsTrue)
	c.Assert(found, Equals, node)
}

func (s *testUpsertSuite) TestConcurrentUpsertsConverge(c *C) {
	const n = 8
	type result struct {
		node    graph.UIDNode
		existed bool
	}
	var mu sync.Mutex
	var results []result
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			node, existed, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("carol"), nil, "", 10)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, result{node, existed})
			mu.Unlock()
			return nil
		})
	}
	c.Assert(g.Wait(), IsNil)
	c.Assert(results, HasLen, n)

	created := 0
	for _, r := range results {
		if !r.existed {
			created++
		}
		c.Assert(r.node, Equals, results[0].node)
	}
	c.Assert(created, Equals, 1)
	c.Assert(s.countUsers(c, "carol"), Equals, 1)
}

func (s *testUpsertSuite) TestRetriesExhausted(c *C) {
	s.server.InjectError(mockdgraph.MethodQuery, status.Error(codes.Unavailable, "down"), -1)
	_, _, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("dave"), nil, "", 3)
	c.Assert(err, ErrorMatches, `upsert failed after 3 attempts \[attempt 1: .*down; attempt 2: .*down\]: .*down`)
	c.Assert(status.Code(errors.Cause(err)), Equals, codes.Unavailable)
	c.Assert(s.server.Calls(mockdgraph.MethodQuery), Equals, 3)
}

func (s *testUpsertSuite) TestRetryAfterAbort(c *C) {
	s.server.InjectError(mockdgraph.MethodCommit, status.Error(codes.Aborted, "conflict"), 1)
	node, existed, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("erin"), nil, "", 0)
	c.Assert(errors.Cause(err), Equals, ErrAborted)
	c.Assert(existed, IsFalse)
	c.Assert(node.UID(), Equals, uint64(0))

	_, existed, err = s.cli.Upsert(s.ctx, "Username", graph.StringValue("erin"), nil, "", 2)
	c.Assert(err, IsNil)
	c.Assert(existed, IsFalse)
	c.Assert(s.countUsers(c, "erin"), Equals, 1)
}

func (s *testUpsertSuite) TestErrorsOfEveryAttempt(c *C) {
	s.server.InjectError(mockdgraph.MethodQuery, status.Error(codes.Unavailable, "first"), 1)
	s.server.InjectError(mockdgraph.MethodCommit, status.Error(codes.Aborted, "second"), 1)
	mu := []byte(`{"uid":"_:user","Username":"gina"}`)
	_, _, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("gina"), mu, "other", 3)
	c.Assert(err, ErrorMatches, `upsert failed after 3 attempts \[attempt 1: .*first; attempt 2: .*aborted.*\]: .*blank node "other" missing from uid map`)
}

func (s *testUpsertSuite) TestMissingBlankNode(c *C) {
	mu := []byte(`{"uid":"_:other","Username":"frank"}`)
	_, _, err := s.cli.Upsert(s.ctx, "Username", graph.StringValue("frank"), mu, "user", 1)
	c.Assert(err, ErrorMatches, `.*blank node "user" missing from uid map`)
}

func (s *testUpsertSuite) TestBadArgs(c *C) {
	_, _, err := s.cli.Upsert(s.ctx, "", graph.StringValue("x"), nil, "", 1)
	c.Assert(errors.Cause(err), Equals, graph.ErrBadArgs)
	_, _, err = s.cli.Upsert(s.ctx, "Username", nil, nil, "", 1)
	c.Assert(errors.Cause(err), Equals, graph.ErrBadArgs)
}
