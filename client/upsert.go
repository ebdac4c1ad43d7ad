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

	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultUpsertBlankNode is the blank node an upsert mutation binds its new node to when no name is given.
const DefaultUpsertBlankNode = "upsertNode"

const upsertQuery = `query q($v: string) { q(func: eq(<%s>, $v)) { uid } }`

// Upsert returns the node whose predicate equals value, creating it with mutationJSON when there is none.
//
// mutationJSON must create exactly one node bound to the blank node blankNode. When it is empty the mutation
// {"uid": "_:<blankNode>", "<predicate>": value} is used; when blankNode is empty DefaultUpsertBlankNode is used.
// Each attempt runs in its own transaction and a failed attempt, typically a commit aborted by a concurrent upsert
// of the same value, is retried up to maxRetries attempts in total. The predicate needs an @upsert index for
// concurrent upserts to converge on one node.
func (c *Client) Upsert(ctx context.Context, predicate string, value *graph.Value, mutationJSON []byte,
	blankNode string, maxRetries int) (node graph.UIDNode, existed bool, err error) {
	c.checkClosed()
	if predicate == "" || value == nil {
		return graph.UIDNode{}, false, errors.WithStack(graph.ErrBadArgs)
	}
	blank := graph.NewBlankNode(blankNode).Name()
	if blank == "" {
		blank = DefaultUpsertBlankNode
	}
	if len(mutationJSON) == 0 {
		mutationJSON, err = json.Marshal(map[string]interface{}{
			"uid":     graph.NewBlankNode(blank).NQuadName(),
			predicate: value.JSON(),
		})
		if err != nil {
			return graph.UIDNode{}, false, errors.WithStack(err)
		}
	}
	attempts := maxRetries
	if attempts < 1 {
		attempts = 1
	}

	q := fmt.Sprintf(upsertQuery, predicate)
	vars := map[string]string{"$v": value.String()}
	var (
		attempt int
		history []string
	)
	for attempt = 1; attempt <= attempts; attempt++ {
		node, existed, err = c.upsertOnce(ctx, q, vars, mutationJSON, blank)
		if err == nil {
			if existed {
				upsertAttemptFound.Inc()
			} else {
				upsertAttemptCreated.Inc()
			}
			return node, existed, nil
		}
		upsertAttemptFailed.Inc()
		history = append(history, fmt.Sprintf("attempt %d: %v", attempt, err))
		log.Warn("[dgraph] upsert attempt failed",
			zap.String("predicate", predicate),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	if attempt > attempts {
		attempt = attempts
	}
	msg := fmt.Sprintf("upsert failed after %d attempts", attempt)
	if len(history) > 1 {
		msg += " [" + strings.Join(history[:len(history)-1], "; ") + "]"
	}
	return graph.UIDNode{}, false, errors.Wrap(err, msg)
}

func (c *Client) upsertOnce(ctx context.Context, q string, vars map[string]string, mutationJSON []byte,
	blank string) (graph.UIDNode, bool, error) {
	txn := c.NewTxn()
	defer txn.Discard(ctx)

	payload, err := txn.QueryWithVars(ctx, q, vars)
	if err != nil {
		return graph.UIDNode{}, false, err
	}
	var res struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	if err = json.Unmarshal(payload, &res); err != nil {
		return graph.UIDNode{}, false, errors.Wrap(err, "malformed upsert query result")
	}
	if len(res.Q) > 0 {
		uid, err := graph.ParseUID(res.Q[0].UID)
		if err != nil {
			return graph.UIDNode{}, false, err
		}
		return graph.NewUIDNode(uid), true, nil
	}

	uids, err := txn.MutateJSON(ctx, mutationJSON)
	if err != nil {
		return graph.UIDNode{}, false, err
	}
	if err = txn.Commit(ctx); err != nil {
		return graph.UIDNode{}, false, err
	}
	s, ok := uids[blank]
	if !ok {
		return graph.UIDNode{}, false, errors.Errorf("blank node %q missing from uid map", blank)
	}
	uid, err := graph.ParseUID(s)
	if err != nil {
		return graph.UIDNode{}, false, err
	}
	return graph.NewUIDNode(uid), false, nil
}
