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
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/pingcap-incubator/tinydgraph/graph"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var _ = Suite(&testNodeSuite{})

type testNodeSuite struct {
	ctx context.Context
}

func (s *testNodeSuite) SetUpSuite(c *C) {
	s.ctx = context.Background()
}

// fakeAllocator hands out consecutive ranges starting at 100.
type fakeAllocator struct {
	sync.Mutex
	next  uint64
	calls int
	err   error
}

func (a *fakeAllocator) AssignUIDs(_ context.Context, num uint64) (uint64, uint64, error) {
	a.Lock()
	defer a.Unlock()
	a.calls++
	if a.err != nil {
		return 0, 0, a.err
	}
	if a.next == 0 {
		a.next = 100
	}
	start := a.next
	a.next += num
	return start, start + num - 1, nil
}

func (s *testNodeSuite) TestNewNode(c *C) {
	cli := newTestClient(c, newFakeDgraph())
	c.Assert(cli.NewNode().NQuadName(), Equals, "_:dgraphBlank1")
	c.Assert(cli.NewNode().Name(), Equals, "dgraphBlank2")

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 100; j++ {
				n := cli.NewNode()
				mu.Lock()
				seen[n.Name()] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	c.Assert(g.Wait(), IsNil)
	c.Assert(seen, HasLen, 800)
}

func (s *testNodeSuite) TestGetOrCreateNode(c *C) {
	alloc := &fakeAllocator{}
	cli := newTestClient(c, newFakeDgraph(), WithIDAllocator(alloc), WithUIDLeaseSize(2))

	c.Assert(cli.IsNodeName("alice"), IsFalse)
	alice, err := cli.GetOrCreateNode(s.ctx, "alice")
	c.Assert(err, IsNil)
	c.Assert(alice.UID(), Equals, uint64(100))
	c.Assert(alice.Name(), Equals, "alice")
	c.Assert(cli.IsNodeName("alice"), IsTrue)

	again, err := cli.GetOrCreateNode(s.ctx, "alice")
	c.Assert(err, IsNil)
	c.Assert(again, Equals, alice)

	bob, err := cli.GetOrCreateNode(s.ctx, "bob")
	c.Assert(err, IsNil)
	c.Assert(bob.UID(), Equals, uint64(101))
	c.Assert(alloc.calls, Equals, 1)

	carol, err := cli.GetOrCreateNode(s.ctx, "carol")
	c.Assert(err, IsNil)
	c.Assert(carol.UID(), Equals, uint64(102))
	c.Assert(alloc.calls, Equals, 2)

	_, err = cli.GetOrCreateNode(s.ctx, "")
	c.Assert(errors.Cause(err), Equals, graph.ErrBadArgs)
}

func (s *testNodeSuite) TestGetOrCreateNodeConcurrent(c *C) {
	alloc := &fakeAllocator{}
	cli := newTestClient(c, newFakeDgraph(), WithIDAllocator(alloc), WithUIDLeaseSize(10))
	nodes := make([]graph.NamedNode, 16)
	var g errgroup.Group
	for i := range nodes {
		i := i
		g.Go(func() error {
			n, err := cli.GetOrCreateNode(s.ctx, fmt.Sprintf("n%d", i%4))
			nodes[i] = n
			return err
		})
	}
	c.Assert(g.Wait(), IsNil)
	uids := make(map[string]uint64)
	for _, n := range nodes {
		if uid, ok := uids[n.Name()]; ok {
			c.Assert(n.UID(), Equals, uid)
		}
		uids[n.Name()] = n.UID()
	}
	c.Assert(uids, HasLen, 4)
	c.Assert(alloc.calls, Equals, 1)
}

func (s *testNodeSuite) TestGetOrCreateNodeErrors(c *C) {
	cli := newTestClient(c, newFakeDgraph())
	_, err := cli.GetOrCreateNode(s.ctx, "alice")
	c.Assert(errors.Cause(err), Equals, ErrNoIDAllocator)

	alloc := &fakeAllocator{err: errors.New("zero unreachable")}
	cli = newTestClient(c, newFakeDgraph(), WithIDAllocator(alloc))
	_, err = cli.GetOrCreateNode(s.ctx, "alice")
	c.Assert(err, ErrorMatches, "lease uids failed: zero unreachable")
	c.Assert(cli.IsNodeName("alice"), IsFalse)
}

func (s *testNodeSuite) TestZeroAllocator(c *C) {
	var gotQuery string
	body := `{"startId":"5","endId":"1004"}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, Equals, "/assign")
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, body)
	}))
	defer ts.Close()

	alloc := NewZeroAllocator(ts.URL, nil)
	start, end, err := alloc.AssignUIDs(s.ctx, 1000)
	c.Assert(err, IsNil)
	c.Assert(gotQuery, Equals, "what=uids&num=1000")
	c.Assert(start, Equals, uint64(5))
	c.Assert(end, Equals, uint64(1004))

	body = `{"startId":7,"endId":8}`
	start, end, err = alloc.AssignUIDs(s.ctx, 2)
	c.Assert(err, IsNil)
	c.Assert(start, Equals, uint64(7))
	c.Assert(end, Equals, uint64(8))

	body = `{"startId":"x"}`
	_, _, err = alloc.AssignUIDs(s.ctx, 2)
	c.Assert(err, NotNil)
}

func (s *testNodeSuite) TestZeroAllocatorHTTPError(c *C) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not leader", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	_, _, err := NewZeroAllocator(ts.URL, ts.Client()).AssignUIDs(s.ctx, 10)
	c.Assert(err, ErrorMatches, "zero assign returned 503: not leader")
}
