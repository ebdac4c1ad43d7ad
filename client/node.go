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
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const blankNodePrefix = "dgraphBlank"

// IDAllocator hands out ranges of unused UIDs.
type IDAllocator interface {
	// AssignUIDs reserves num UIDs and returns the inclusive range [start, end].
	AssignUIDs(ctx context.Context, num uint64) (start, end uint64, err error)
}

// NewNode returns a fresh blank node, unique for this client.
func (c *Client) NewNode() graph.BlankNode {
	c.checkClosed()
	return graph.NewBlankNode(blankNodePrefix + strconv.FormatUint(c.blankSeq.Inc(), 10))
}

// IsNodeName reports whether GetOrCreateNode has created a node called name.
func (c *Client) IsNodeName(name string) bool {
	c.checkClosed()
	c.nodeMu.Lock()
	defer c.nodeMu.Unlock()
	_, ok := c.nodeMu.nodes[name]
	return ok
}

// GetOrCreateNode returns the node this client knows as name, leasing a UID for it the first time. The name stays
// local to the client.
func (c *Client) GetOrCreateNode(ctx context.Context, name string) (graph.NamedNode, error) {
	c.checkClosed()
	if name == "" {
		return graph.NamedNode{}, errors.WithStack(graph.ErrBadArgs)
	}
	c.nodeMu.Lock()
	defer c.nodeMu.Unlock()
	if n, ok := c.nodeMu.nodes[name]; ok {
		return n, nil
	}
	uid, err := c.nextUID(ctx)
	if err != nil {
		return graph.NamedNode{}, err
	}
	n := graph.NewNamedNode(uid, name)
	c.nodeMu.nodes[name] = n
	return n, nil
}

// nextUID takes a UID from the current lease, refilling it when exhausted.
func (c *Client) nextUID(ctx context.Context) (uint64, error) {
	if c.opts.idAllocator == nil {
		return 0, errors.WithStack(ErrNoIDAllocator)
	}
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	if c.leaseMu.next == 0 || c.leaseMu.next > c.leaseMu.end {
		start, end, err := c.opts.idAllocator.AssignUIDs(ctx, c.opts.uidLeaseSize)
		if err != nil {
			return 0, errors.Wrap(err, "lease uids failed")
		}
		if start == 0 || end < start {
			return 0, errors.Errorf("invalid uid lease [%d, %d]", start, end)
		}
		c.leaseMu.next, c.leaseMu.end = start, end
	}
	uid := c.leaseMu.next
	c.leaseMu.next++
	return uid, nil
}

type zeroAllocator struct {
	url string
	hc  *http.Client
}

// NewZeroAllocator returns an IDAllocator backed by the /assign endpoint of a Dgraph Zero HTTP address such as
// "localhost:6080".
func NewZeroAllocator(addr string, hc *http.Client) IDAllocator {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &zeroAllocator{url: strings.TrimSuffix(addr, "/"), hc: hc}
}

type assignedIDs struct {
	StartID flexUint `json:"startId"`
	EndID   flexUint `json:"endId"`
}

// flexUint accepts a uint64 encoded either as a JSON number or a JSON string.
type flexUint uint64

func (u *flexUint) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseUint(string(bytes.Trim(b, `"`)), 10, 64)
	if err != nil {
		return errors.WithStack(err)
	}
	*u = flexUint(v)
	return nil
}

func (z *zeroAllocator) AssignUIDs(ctx context.Context, num uint64) (uint64, uint64, error) {
	url := fmt.Sprintf("%s/assign?what=uids&num=%d", z.url, num)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	resp, err := z.hc.Do(req.WithContext(ctx))
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, errors.Errorf("zero assign returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var ids assignedIDs
	if err = json.Unmarshal(body, &ids); err != nil {
		return 0, 0, errors.Wrap(err, "malformed zero assign response")
	}
	return uint64(ids.StartID), uint64(ids.EndID), nil
}
