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

package graph

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BlankPrefix marks a blank node name in an NQuad.
const BlankPrefix = "_:"

// Node is a graph node referenced by an edge or property. The set of implementations is closed: BlankNode, UIDNode
// and NamedNode.
type Node interface {
	// NQuadName is the node identity as sent in an NQuad: "_:<name>" for blank nodes, the decimal UID otherwise.
	NQuadName() string
	isNode()
}

// BlankNode is a placeholder for a node the server has not allocated yet. It resolves through the uid map returned
// by the mutation that references it.
type BlankNode struct {
	name string
}

// NewBlankNode returns a blank node. A leading "_:" on name is accepted and stripped.
func NewBlankNode(name string) BlankNode {
	return BlankNode{name: strings.TrimPrefix(name, BlankPrefix)}
}

// Name is the blank name without the "_:" prefix, the form used as a key in uid maps.
func (n BlankNode) Name() string { return n.name }

// NQuadName implements Node.
func (n BlankNode) NQuadName() string { return BlankPrefix + n.name }

func (n BlankNode) String() string { return n.NQuadName() }

func (BlankNode) isNode() {}

// UIDNode is a node with a server allocated UID.
type UIDNode struct {
	uid uint64
}

// NewUIDNode returns a node for uid.
func NewUIDNode(uid uint64) UIDNode {
	return UIDNode{uid: uid}
}

// UID returns the node's UID.
func (n UIDNode) UID() uint64 { return n.uid }

// NQuadName implements Node.
func (n UIDNode) NQuadName() string { return strconv.FormatUint(n.uid, 10) }

func (n UIDNode) String() string { return "0x" + strconv.FormatUint(n.uid, 16) }

func (UIDNode) isNode() {}

// NamedNode is a UID node that a client also knows by a local name. The name is never sent to the server.
type NamedNode struct {
	UIDNode
	name string
}

// NewNamedNode returns a node for uid known locally as name.
func NewNamedNode(uid uint64, name string) NamedNode {
	return NamedNode{UIDNode: UIDNode{uid: uid}, name: name}
}

// Name returns the client local name.
func (n NamedNode) Name() string { return n.name }

func (n NamedNode) String() string { return n.name + "(" + n.UIDNode.String() + ")" }

// ParseUID parses a UID as returned by the server, either 0x prefixed hex or decimal.
func ParseUID(s string) (uint64, error) {
	uid, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid uid %q", s)
	}
	return uid, nil
}

// NodeFromNQuadName is the inverse of Node.NQuadName. Named nodes come back as UIDNode.
func NodeFromNQuadName(s string) (Node, error) {
	if strings.HasPrefix(s, BlankPrefix) {
		return NewBlankNode(s), nil
	}
	uid, err := ParseUID(s)
	if err != nil {
		return nil, err
	}
	return NewUIDNode(uid), nil
}
