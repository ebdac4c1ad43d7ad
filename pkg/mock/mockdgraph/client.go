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
	"context"

	"github.com/dgraph-io/dgo/v2/protos/api"
	"google.golang.org/grpc"
)

// directClient calls a Server in process, skipping gRPC.
type directClient struct {
	s *Server
}

// Client returns an api.DgraphClient bound to s without a network hop.
func (s *Server) Client() api.DgraphClient {
	return &directClient{s: s}
}

func (c *directClient) Login(ctx context.Context, in *api.LoginRequest, _ ...grpc.CallOption) (*api.Response, error) {
	return c.s.Login(ctx, in)
}

func (c *directClient) Query(ctx context.Context, in *api.Request, _ ...grpc.CallOption) (*api.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.s.Query(ctx, in)
}

func (c *directClient) Alter(ctx context.Context, in *api.Operation, _ ...grpc.CallOption) (*api.Payload, error) {
	return c.s.Alter(ctx, in)
}

func (c *directClient) CommitOrAbort(ctx context.Context, in *api.TxnContext, _ ...grpc.CallOption) (*api.TxnContext, error) {
	return c.s.CommitOrAbort(ctx, in)
}

func (c *directClient) CheckVersion(ctx context.Context, in *api.Check, _ ...grpc.CallOption) (*api.Version, error) {
	return c.s.CheckVersion(ctx, in)
}
