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
	"sync"
	"time"

	"github.com/dgraph-io/dgo/v2/protos/api"
	"github.com/opentracing/opentracing-go"
	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Client is a pool of connections to the alphas of one Dgraph cluster. Requests are spread over the connections
// round robin. A Client is safe for concurrent use; the transactions it creates are not.
type Client struct {
	opts   options
	closed atomic.Bool
	next   atomic.Uint64

	connMu struct {
		sync.RWMutex
		conns map[string]*Connection
		addrs []string
	}

	blankSeq atomic.Uint64

	nodeMu struct {
		sync.Mutex
		nodes map[string]graph.NamedNode
	}

	leaseMu struct {
		sync.Mutex
		next, end uint64
	}
}

// NewClient creates a client with no connections. Use Connect to add cluster members.
func NewClient(opts ...Option) *Client {
	c := &Client{opts: defaultOptions()}
	for _, opt := range opts {
		opt(&c.opts)
	}
	if c.opts.dialer == nil {
		var do []grpc.DialOption
		if c.opts.keepalive != nil {
			do = append(do, grpc.WithKeepaliveParams(*c.opts.keepalive))
		}
		c.opts.dialer = GRPCDialer(c.opts.security, do...)
	}
	c.connMu.conns = make(map[string]*Connection)
	c.nodeMu.nodes = make(map[string]graph.NamedNode)
	return c
}

// Connect adds a connection to addr. Connecting to an address already in the pool returns the existing connection.
// A Connect racing with Close returns ErrClientClosed and closes what it dialed.
func (c *Client) Connect(ctx context.Context, addr string) (*Connection, error) {
	c.checkClosed()
	c.connMu.RLock()
	conn, ok := c.connMu.conns[addr]
	c.connMu.RUnlock()
	if ok {
		return conn, nil
	}

	dctx := ctx
	if c.opts.dialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.opts.dialTimeout)
		defer cancel()
	}
	conn, err := c.opts.dialer(dctx, addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	// Close may have emptied the pool while dialing.
	if c.closed.Load() {
		conn.Close()
		return nil, errors.WithStack(ErrClientClosed)
	}
	if old, ok := c.connMu.conns[addr]; ok {
		conn.Close()
		return old, nil
	}
	c.connMu.conns[addr] = conn
	c.connMu.addrs = append(c.connMu.addrs, addr)
	log.Info("[dgraph] connected", zap.String("addr", addr))
	return conn, nil
}

// AllConnections returns the connected addresses, sorted.
func (c *Client) AllConnections() []string {
	c.checkClosed()
	c.connMu.RLock()
	addrs := append([]string(nil), c.connMu.addrs...)
	c.connMu.RUnlock()
	sort.Strings(addrs)
	return addrs
}

// anyConnection picks the next connection round robin.
func (c *Client) anyConnection() (*Connection, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	n := len(c.connMu.addrs)
	if n == 0 {
		return nil, errors.WithStack(ErrNoConnection)
	}
	i := c.next.Inc() % uint64(n)
	return c.connMu.conns[c.connMu.addrs[i]], nil
}

// rpcContext applies the configured RPC timeout to ctx.
func (c *Client) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.rpcTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.rpcTimeout)
}

// Alter sends an operation to one member of the cluster.
func (c *Client) Alter(ctx context.Context, op *api.Operation) error {
	c.checkClosed()
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("dgraph.Alter", opentracing.ChildOf(span.Context()))
		defer span.Finish()
	}
	conn, err := c.anyConnection()
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := c.rpcContext(ctx)
	_, err = conn.Alter(ctx, op)
	cancel()
	observeCmd(start, err, cmdDurationAlter, cmdFailedDurationAlter)
	return errors.Wrap(err, "alter failed")
}

// AlterSchema applies a schema alteration, e.g. `name: string @index(exact) .`.
func (c *Client) AlterSchema(ctx context.Context, schema string) error {
	return c.Alter(ctx, &api.Operation{Schema: schema})
}

// DropAll removes all data and schema.
func (c *Client) DropAll(ctx context.Context) error {
	return c.Alter(ctx, &api.Operation{DropAll: true})
}

// DropAttr removes a predicate and its data.
func (c *Client) DropAttr(ctx context.Context, predicate string) error {
	return c.Alter(ctx, &api.Operation{DropAttr: predicate})
}

// CheckVersion returns the version tag of one member of the cluster.
func (c *Client) CheckVersion(ctx context.Context) (string, error) {
	c.checkClosed()
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("dgraph.CheckVersion", opentracing.ChildOf(span.Context()))
		defer span.Finish()
	}
	conn, err := c.anyConnection()
	if err != nil {
		return "", err
	}

	start := time.Now()
	ctx, cancel := c.rpcContext(ctx)
	v, err := conn.CheckVersion(ctx)
	cancel()
	observeCmd(start, err, cmdDurationCheckVersion, cmdFailedDurationCheckVersion)
	if err != nil {
		return "", errors.Wrap(err, "check version failed")
	}
	return v.GetTag(), nil
}

// NewTxn starts a transaction. The start ts is assigned by the server on the first request.
func (c *Client) NewTxn() *Txn {
	c.checkClosed()
	return &Txn{
		c:     c,
		keys:  make(map[string]struct{}),
		preds: make(map[string]struct{}),
	}
}

// Close closes every connection. Any later call on the client panics with ErrClientClosed.
func (c *Client) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	for addr, conn := range c.connMu.conns {
		if err := conn.Close(); err != nil {
			log.Error("[dgraph] failed close connection", zap.String("addr", addr), zap.Error(err))
		}
	}
	c.connMu.conns = make(map[string]*Connection)
	c.connMu.addrs = nil
	log.Info("[dgraph] client closed")
}

func (c *Client) checkClosed() {
	if c.closed.Load() {
		panic(ErrClientClosed)
	}
}
