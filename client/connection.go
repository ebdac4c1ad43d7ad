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
	"io"
	"time"

	"github.com/dgraph-io/dgo/v2/protos/api"
	"github.com/pingcap-incubator/tinydgraph/pkg/grpcutil"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Connection is one gRPC channel to a Dgraph alpha. It keeps no transaction state.
type Connection struct {
	addr   string
	dc     api.DgraphClient
	closer io.Closer
}

// NewConnection wraps an api.DgraphClient. closer, if not nil, is closed with the connection.
func NewConnection(addr string, dc api.DgraphClient, closer io.Closer) *Connection {
	return &Connection{addr: addr, dc: dc, closer: closer}
}

// Addr returns the address the connection was made to.
func (c *Connection) Addr() string {
	return c.addr
}

// Query sends a query or mutation request.
func (c *Connection) Query(ctx context.Context, req *api.Request) (*api.Response, error) {
	resp, err := c.dc.Query(ctx, req)
	return resp, errors.WithStack(err)
}

// Alter sends a schema or drop operation.
func (c *Connection) Alter(ctx context.Context, op *api.Operation) (*api.Payload, error) {
	resp, err := c.dc.Alter(ctx, op)
	return resp, errors.WithStack(err)
}

// CommitOrAbort finishes the transaction described by tc.
func (c *Connection) CommitOrAbort(ctx context.Context, tc *api.TxnContext) (*api.TxnContext, error) {
	resp, err := c.dc.CommitOrAbort(ctx, tc)
	return resp, errors.WithStack(err)
}

// CheckVersion asks the server for its version.
func (c *Connection) CheckVersion(ctx context.Context) (*api.Version, error) {
	resp, err := c.dc.CheckVersion(ctx, &api.Check{})
	return resp, errors.WithStack(err)
}

// Close closes the underlying channel.
func (c *Connection) Close() error {
	if c.closer == nil {
		return nil
	}
	return errors.WithStack(c.closer.Close())
}

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, addr string) (*Connection, error)

// GRPCDialer returns the default Dialer, which dials over gRPC with the given security and dial options.
func GRPCDialer(sec grpcutil.SecurityConfig, do ...grpc.DialOption) Dialer {
	return func(ctx context.Context, addr string) (*Connection, error) {
		cc, err := grpcutil.GetClientConn(ctx, addr, sec, do...)
		if err != nil {
			return nil, err
		}
		return NewConnection(addr, api.NewDgraphClient(cc), cc), nil
	}
}

type options struct {
	security     grpcutil.SecurityConfig
	rpcTimeout   time.Duration
	dialTimeout  time.Duration
	keepalive    *keepalive.ClientParameters
	dialer       Dialer
	idAllocator  IDAllocator
	uidLeaseSize uint64
}

const (
	defaultRPCTimeout   = 10 * time.Second
	defaultDialTimeout  = 5 * time.Second
	defaultUIDLeaseSize = 1000
)

func defaultOptions() options {
	return options{
		rpcTimeout:   defaultRPCTimeout,
		dialTimeout:  defaultDialTimeout,
		uidLeaseSize: defaultUIDLeaseSize,
	}
}

// Option configures a Client.
type Option func(*options)

// WithSecurity sets the TLS files used by the default dialer.
func WithSecurity(sec grpcutil.SecurityConfig) Option {
	return func(o *options) { o.security = sec }
}

// WithRPCTimeout bounds every RPC. Zero disables the bound and leaves the caller's deadline alone.
func WithRPCTimeout(d time.Duration) Option {
	return func(o *options) { o.rpcTimeout = d }
}

// WithDialTimeout bounds Connect.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithKeepalive sets gRPC keepalive parameters on dialed connections.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.keepalive = &keepalive.ClientParameters{Time: interval, Timeout: timeout}
	}
}

// WithDialer replaces the gRPC dialer, for instance with an in-process server.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithIDAllocator sets where GetOrCreateNode leases UIDs from.
func WithIDAllocator(a IDAllocator) Option {
	return func(o *options) { o.idAllocator = a }
}

// WithUIDLeaseSize sets how many UIDs are leased at once.
func WithUIDLeaseSize(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.uidLeaseSize = n
		}
	}
}
