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
	"fmt"
	"io/ioutil"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinydgraph/client"
	"github.com/pingcap-incubator/tinydgraph/graph"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type upsertFlags struct {
	predicate    string
	value        string
	valueType    string
	mutationFile string
	blankNode    string
	retries      int
	concurrency  int
}

func newUpsertCommand(c *ctl) *cobra.Command {
	var f upsertFlags
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "find the node whose predicate equals the value, or create it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.predicate == "" {
				return errors.New("--predicate is required")
			}
			if f.concurrency < 1 {
				return errors.Errorf("--concurrency must be positive, got %d", f.concurrency)
			}
			value, err := parseValue(f.valueType, f.value)
			if err != nil {
				return err
			}
			var mutation []byte
			if f.mutationFile != "" {
				if mutation, err = ioutil.ReadFile(f.mutationFile); err != nil {
					return errors.WithStack(err)
				}
			}
			retries := c.cfg.UpsertRetries
			if cmd.Flags().Changed("retries") {
				retries = f.retries
			}

			return c.withClient(func(cli *client.Client) error {
				var outMu sync.Mutex
				g, ctx := errgroup.WithContext(c.ctx)
				for i := 0; i < f.concurrency; i++ {
					g.Go(func() error {
						node, existed, err := cli.Upsert(ctx, f.predicate, value, mutation, f.blankNode, retries)
						if err != nil {
							return err
						}
						outMu.Lock()
						fmt.Fprintf(cmd.OutOrStdout(), "%s existed=%v\n", node, existed)
						outMu.Unlock()
						return nil
					})
				}
				return g.Wait()
			})
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (f *upsertFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.predicate, "predicate", "", "predicate to look the value up by")
	fs.StringVar(&f.value, "value", "", "value to look up")
	fs.StringVar(&f.valueType, "type", "string", "value type: default, string, int, bool, float, datetime")
	fs.StringVar(&f.mutationFile, "mutation", "", "JSON mutation creating the node, bound to the blank node")
	fs.StringVar(&f.blankNode, "blank-node", client.DefaultUpsertBlankNode, "blank node the mutation binds the new node to")
	fs.IntVar(&f.retries, "retries", 0, "attempts before giving up, defaults to upsert-retries of the config")
	fs.IntVar(&f.concurrency, "concurrency", 1, "number of concurrent upserts of the same value")
}

func parseValue(typ, s string) (*graph.Value, error) {
	switch typ {
	case "default":
		return graph.DefaultValue(s), nil
	case "string", "":
		return graph.StringValue(s), nil
	case "int":
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad int value %q", s)
		}
		return graph.IntValue(i), nil
	case "bool":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, errors.Wrapf(err, "bad bool value %q", s)
		}
		return graph.BoolValue(b), nil
	case "float":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad float value %q", s)
		}
		return graph.DoubleValue(f), nil
	case "datetime":
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, errors.Wrapf(err, "bad datetime value %q", s)
		}
		return graph.DateTimeValue(t), nil
	}
	return nil, errors.Errorf("unknown value type %q", typ)
}
