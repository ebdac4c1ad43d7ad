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

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinydgraph/client"
	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLoadCommand(c *ctl) *cobra.Command {
	var del bool
	cmd := &cobra.Command{
		Use:   "load [file]",
		Short: "batch load links, one `subject predicate object` per line, from a file or stdin",
		Long: `Each line holds a subject, a predicate and an object separated by blanks. Subjects and node objects
are uids (0x1f or 31) or blank nodes (_:name); a quoted object is a string property. Batches commit in
separate transactions, so a blank node only names the same node within one batch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.WithStack(err)
				}
				defer f.Close()
				in = f
			}
			bopts, err := c.cfg.BatchOptions()
			if err != nil {
				return err
			}
			return c.withClient(func(cli *client.Client) error {
				bc, err := client.NewBatchClient(cli, c.cfg.Batch.NumBatches, c.cfg.Batch.BatchSize, bopts...)
				if err != nil {
					return err
				}
				n, err := loadLinks(c, bc, in, del)
				if err != nil {
					return err
				}
				bc.FlushBatches(c.ctx)
				if bc.HasFailedBatches() {
					failed := bc.AllLinksFromFailedMutations()
					return errors.Errorf("%d of %d links failed to commit", failed.Len(), n)
				}
				log.Info("[dgraph] links loaded", zap.Int("links", n))
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d links\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&del, "delete", false, "delete the links instead of adding them")
	return cmd
}

func loadLinks(c *ctl, bc *client.BatchClient, in io.Reader, del bool) (int, error) {
	var n int
	scanner := bufio.NewScanner(in)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		edge, prop, err := parseLinkLine(line)
		if err != nil {
			return n, errors.WithMessagef(err, "line %d", lineNo)
		}
		switch {
		case edge != nil && del:
			bc.BatchDeleteEdge(c.ctx, edge)
		case edge != nil:
			bc.BatchAddEdge(c.ctx, edge)
		case del:
			bc.BatchDeleteProperty(c.ctx, prop)
		default:
			bc.BatchAddProperty(c.ctx, prop)
		}
		n++
	}
	return n, errors.WithStack(scanner.Err())
}

// parseLinkLine reads `subject predicate object`, with an optional trailing " .".
func parseLinkLine(line string) (*graph.Edge, *graph.Property, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, " ."))
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, nil, errors.Errorf("expected subject, predicate and object in %q", line)
	}
	source, err := graph.NodeFromNQuadName(fields[0])
	if err != nil {
		return nil, nil, err
	}
	predicate := fields[1]
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	object := strings.TrimSpace(strings.TrimPrefix(rest, predicate))
	if strings.HasPrefix(object, `"`) {
		s, err := strconv.Unquote(object)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "bad string object %s", object)
		}
		prop, err := graph.NewProperty(source, predicate, graph.StringValue(s))
		return nil, prop, err
	}
	target, err := graph.NodeFromNQuadName(object)
	if err != nil {
		return nil, nil, err
	}
	edge, err := graph.NewEdge(source, predicate, target)
	return edge, nil, err
}
