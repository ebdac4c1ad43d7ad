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

	"github.com/dgraph-io/dgo/v2/protos/api"
	"google.golang.org/grpc"
)

// fakeDgraph is a scripted api.DgraphClient. Unset hooks answer with a fixed start ts.
type fakeDgraph struct {
	api.DgraphClient

	mu      sync.Mutex
	startTs uint64
	queries []*api.Request
	commits []*api.TxnContext
	alters  []*api.Operation

	queryFn  func(req *api.Request) (*api.Response, error)
	commitFn func(tc *api.TxnContext) (*api.TxnContext, error)
	alterErr error
	version  string
}

func newFakeDgraph() *fakeDgraph {
	return &fakeDgraph{startTs: 7, version: "v1.1.0"}
}

func (f *fakeDgraph) Query(_ context.Context, req *api.Request, _ ...grpc.CallOption) (*api.Response, error) {
	f.mu.Lock()
	f.queries = append(f.queries, req)
	fn := f.queryFn
	ts := f.startTs
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	resp := &api.Response{Txn: &api.TxnContext{StartTs: ts}, Json: []byte(`{}`)}
	if len(req.Mutations) > 0 {
		resp.Txn.Keys = []string{"k1"}
		resp.Txn.Preds = []string{"p1"}
		resp.Uids = map[string]string{"a": "0x1"}
	}
	return resp, nil
}

func (f *fakeDgraph) CommitOrAbort(_ context.Context, tc *api.TxnContext, _ ...grpc.CallOption) (*api.TxnContext, error) {
	f.mu.Lock()
	f.commits = append(f.commits, tc)
	fn := f.commitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(tc)
	}
	return &api.TxnContext{StartTs: tc.StartTs, CommitTs: tc.StartTs + 1}, nil
}

func (f *fakeDgraph) Alter(_ context.Context, op *api.Operation, _ ...grpc.CallOption) (*api.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alters = append(f.alters, op)
	if f.alterErr != nil {
		return nil, f.alterErr
	}
	return &api.Payload{}, nil
}

func (f *fakeDgraph) CheckVersion(context.Context, *api.Check, ...grpc.CallOption) (*api.Version, error) {
	return &api.Version{Tag: f.version}, nil
}

func (f *fakeDgraph) numQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeDgraph) numCommits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

func (f *fakeDgraph) lastCommit() *api.TxnContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[len(f.commits)-1]
}

// newTestClient returns a client connected to dc under the address "fake".
func newTestClient(c interface{ Fatal(...interface{}) }, dc api.DgraphClient, opts ...Option) *Client {
	opts = append(opts, WithDialer(func(_ context.Context, addr string) (*Connection, error) {
		return NewConnection(addr, dc, nil), nil
	}))
	cli := NewClient(opts...)
	if _, err := cli.Connect(context.Background(), "fake"); err != nil {
		c.Fatal(err)
	}
	return cli
}
