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

// Package mockdgraph is an in-memory Dgraph alpha for tests. It speaks the Dgraph gRPC API, allocates timestamps
// and uids, stores committed triples, detects write conflicts at commit and answers schema queries and eq lookups.
package mockdgraph

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/dgraph-io/dgo/v2/protos/api"
	"github.com/pingcap-incubator/tinydgraph/schema"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultVersion is the version tag reported by CheckVersion.
const DefaultVersion = "v1.1.0-mock"

// Method names an RPC for fault injection and call counting.
type Method string

// Methods. A Query request carrying mutations counts as MethodMutate.
const (
	MethodQuery        Method = "query"
	MethodMutate       Method = "mutate"
	MethodCommit       Method = "commit"
	MethodAbort        Method = "abort"
	MethodAlter        Method = "alter"
	MethodCheckVersion Method = "check_version"
)

type fault struct {
	err   error
	times int
}

type pendingTxn struct {
	writes []write
	keys   map[string]struct{}
}

// Server is an in-memory api.DgraphServer.
type Server struct {
	mu sync.Mutex

	version string
	ts      uint64
	uid     uint64

	schema     map[string]*schema.Predicate
	props      map[string]map[uint64]string
	edges      map[string]map[uint64]map[uint64]struct{}
	txns       map[uint64]*pendingTxn
	lastCommit map[string]uint64

	faults map[Method]*fault
	calls  map[Method]int

	grpcServer *grpc.Server
}

// NewServer returns an empty server.
func NewServer() *Server {
	s := &Server{
		version:    DefaultVersion,
		txns:       make(map[uint64]*pendingTxn),
		lastCommit: make(map[string]uint64),
		faults:     make(map[Method]*fault),
		calls:      make(map[Method]int),
	}
	s.resetData()
	return s
}

func (s *Server) resetData() {
	s.schema = make(map[string]*schema.Predicate)
	s.props = make(map[string]map[uint64]string)
	s.edges = make(map[string]map[uint64]map[uint64]struct{})
}

// SetVersion changes the version tag reported by CheckVersion.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// InjectError makes the next times calls of m fail with err. A negative times fails every call.
func (s *Server) InjectError(m Method, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if times == 0 {
		delete(s.faults, m)
		return
	}
	s.faults[m] = &fault{err: err, times: times}
}

// Calls returns how many calls of m reached the server, failed ones included.
func (s *Server) Calls(m Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[m]
}

// called records a call of m and returns the injected error, if any. s.mu must be held.
func (s *Server) called(m Method) error {
	s.calls[m]++
	f, ok := s.faults[m]
	if !ok {
		return nil
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(s.faults, m)
		}
	}
	return f.err
}

// Start serves the gRPC API on addr until Stop.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}
	s.grpcServer = grpc.NewServer()
	api.RegisterDgraphServer(s.grpcServer, s)
	go func() {
		if err := s.grpcServer.Serve(l); err != nil {
			log.Error("mockdgraph serve failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return nil
}

// Stop stops serving.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
}

// Login is not supported.
func (s *Server) Login(context.Context, *api.LoginRequest) (*api.Response, error) {
	return nil, status.Error(codes.Unimplemented, "mockdgraph: login is not supported")
}

// CheckVersion implements api.DgraphServer.
func (s *Server) CheckVersion(context.Context, *api.Check) (*api.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.called(MethodCheckVersion); err != nil {
		return nil, err
	}
	return &api.Version{Tag: s.version}, nil
}

// Alter implements api.DgraphServer. It supports drop all, drop attr and predicate schema lines.
func (s *Server) Alter(_ context.Context, op *api.Operation) (*api.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.called(MethodAlter); err != nil {
		return nil, err
	}
	switch {
	case op.DropAll:
		s.resetData()
	case op.DropAttr != "":
		delete(s.schema, op.DropAttr)
		delete(s.props, op.DropAttr)
		delete(s.edges, op.DropAttr)
	case op.Schema != "":
		preds, err := parseSchema(op.Schema)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		for _, p := range preds {
			s.schema[p.Name] = p
		}
	default:
		return nil, status.Error(codes.InvalidArgument, "mockdgraph: empty operation")
	}
	return &api.Payload{}, nil
}

// Query implements api.DgraphServer. Mutations are applied to the transaction's pending writes, which become
// visible at commit. Queries see committed data only.
func (s *Server) Query(_ context.Context, req *api.Request) (*api.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := MethodQuery
	if len(req.Mutations) > 0 {
		m = MethodMutate
	}
	if err := s.called(m); err != nil {
		return nil, err
	}

	startTs := req.StartTs
	if startTs == 0 {
		s.ts++
		startTs = s.ts
	}
	resp := &api.Response{Txn: &api.TxnContext{StartTs: startTs}}

	if len(req.Mutations) > 0 {
		b := newBuilder(s)
		for _, mu := range req.Mutations {
			if err := b.add(mu); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
		}
		txn := s.txns[startTs]
		if txn == nil {
			txn = &pendingTxn{keys: make(map[string]struct{})}
			s.txns[startTs] = txn
		}
		txn.writes = append(txn.writes, b.writes...)
		keys, preds := s.conflictKeys(b.writes)
		for _, k := range keys {
			txn.keys[k] = struct{}{}
		}
		resp.Txn.Keys, resp.Txn.Preds = keys, preds
		resp.Uids = b.uidMap()

		if req.CommitNow {
			commitTs, err := s.commit(startTs, sortedKeys(txn.keys))
			if err != nil {
				return nil, err
			}
			resp.Txn.CommitTs = commitTs
		}
	}

	if req.Query != "" {
		js, err := s.query(req.Query, req.Vars)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp.Json = js
	}
	return resp, nil
}

// CommitOrAbort implements api.DgraphServer. A commit is aborted when any of the keys sent with it was committed
// by another transaction after this one started.
func (s *Server) CommitOrAbort(_ context.Context, tc *api.TxnContext) (*api.TxnContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := MethodCommit
	if tc.Aborted {
		m = MethodAbort
	}
	if err := s.called(m); err != nil {
		return nil, err
	}
	if tc.StartTs == 0 {
		return nil, status.Error(codes.InvalidArgument, "mockdgraph: no start ts")
	}
	if tc.Aborted {
		delete(s.txns, tc.StartTs)
		return &api.TxnContext{StartTs: tc.StartTs, Aborted: true}, nil
	}
	commitTs, err := s.commit(tc.StartTs, tc.Keys)
	if err != nil {
		return nil, err
	}
	return &api.TxnContext{StartTs: tc.StartTs, CommitTs: commitTs}, nil
}

// commit applies the pending writes of startTs. s.mu must be held.
func (s *Server) commit(startTs uint64, keys []string) (uint64, error) {
	txn := s.txns[startTs]
	delete(s.txns, startTs)
	for _, k := range keys {
		if s.lastCommit[k] > startTs {
			return 0, status.Error(codes.Aborted, "Transaction has been aborted. Please retry")
		}
	}
	s.ts++
	commitTs := s.ts
	for _, k := range keys {
		s.lastCommit[k] = commitTs
	}
	if txn != nil {
		for _, w := range txn.writes {
			s.apply(w)
		}
	}
	return commitTs, nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
