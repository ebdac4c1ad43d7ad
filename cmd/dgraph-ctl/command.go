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
	"context"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/pingcap-incubator/tinydgraph/client"
	"github.com/pingcap-incubator/tinydgraph/config"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ctl carries the state shared by all subcommands.
type ctl struct {
	ctx        context.Context
	configFile string
	endpoints  []string
	logLevel   string
	cfg        *config.Config
}

func newRootCommand(ctx context.Context) *cobra.Command {
	c := &ctl{ctx: ctx}
	rootCmd := &cobra.Command{
		Use:               "dgraph-ctl",
		Short:             "Dgraph client command line tool",
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: c.loadConfig,
	}
	rootCmd.PersistentFlags().StringVar(&c.configFile, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringSliceVar(&c.endpoints, "endpoints", nil, "alpha gRPC endpoints, overrides the config file")
	rootCmd.PersistentFlags().StringVarP(&c.logLevel, "log-level", "L", "", "log level: debug, info, warn, error, fatal")

	rootCmd.AddCommand(
		newVersionCommand(c),
		newAlterCommand(c),
		newDropAllCommand(c),
		newSchemaCommand(c),
		newQueryCommand(c),
		newUpsertCommand(c),
		newLoadCommand(c),
	)
	return rootCmd
}

func (c *ctl) loadConfig(cmd *cobra.Command, _ []string) error {
	cfg := config.NewConfig()
	if c.configFile != "" {
		meta, err := cfg.FromFile(c.configFile)
		if err != nil {
			return err
		}
		if err = cfg.Adjust(meta); err != nil {
			return err
		}
	} else if err := cfg.Adjust(nil); err != nil {
		return err
	}
	if len(c.endpoints) > 0 {
		cfg.Endpoints = c.endpoints
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := cfg.SetupLogger(); err != nil {
		return errors.WithMessage(err, "initialize logger error")
	}
	log.ReplaceGlobals(cfg.GetZapLogger(), cfg.GetZapLogProperties())
	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg)
	}
	c.cfg = cfg
	return nil
}

// withClient connects to every configured endpoint and runs f.
func (c *ctl) withClient(f func(cli *client.Client) error) error {
	cli := client.NewClient(c.cfg.ClientOptions()...)
	defer cli.Close()
	for _, ep := range c.cfg.Endpoints {
		if _, err := cli.Connect(c.ctx, ep); err != nil {
			return err
		}
	}
	return f(cli)
}

func newVersionCommand(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the server version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(func(cli *client.Client) error {
				tag, err := cli.CheckVersion(c.ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tag)
				return nil
			})
		},
	}
}

func newAlterCommand(c *ctl) *cobra.Command {
	var dropAttr string
	cmd := &cobra.Command{
		Use:   "alter [schema-file]",
		Short: "alter the schema, read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dropAttr != "" {
				return c.withClient(func(cli *client.Client) error {
					return cli.DropAttr(c.ctx, dropAttr)
				})
			}
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = ioutil.ReadAll(cmd.InOrStdin())
			} else {
				data, err = ioutil.ReadFile(args[0])
			}
			if err != nil {
				return errors.WithStack(err)
			}
			if strings.TrimSpace(string(data)) == "" {
				return errors.New("empty schema")
			}
			return c.withClient(func(cli *client.Client) error {
				if err := cli.AlterSchema(c.ctx, string(data)); err != nil {
					return err
				}
				log.Info("[dgraph] schema altered", zap.Int("bytes", len(data)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dropAttr, "drop-attr", "", "drop this predicate instead of altering the schema")
	return cmd
}

func newDropAllCommand(c *ctl) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop-all",
		Short: "drop all data and schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("drop-all removes every predicate, pass --yes to confirm")
			}
			return c.withClient(func(cli *client.Client) error {
				return cli.DropAll(c.ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm dropping everything")
	return cmd
}

func newSchemaCommand(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "schema [predicate...]",
		Short: "print the schema, optionally only the given predicates",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := "schema { }"
			if len(args) > 0 {
				q = fmt.Sprintf("schema(pred: [%s]) { }", strings.Join(args, ", "))
			}
			return c.withClient(func(cli *client.Client) error {
				txn := cli.NewTxn()
				defer txn.Discard(c.ctx)
				s, err := txn.SchemaQuery(c.ctx, q)
				if err != nil {
					return err
				}
				if out := s.String(); out != "" {
					fmt.Fprintln(cmd.OutOrStdout(), out)
				}
				return nil
			})
		},
	}
}

func newQueryCommand(c *ctl) *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "query <query>",
		Short: "run a read-only query and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qvars, err := parseVars(vars)
			if err != nil {
				return err
			}
			return c.withClient(func(cli *client.Client) error {
				txn := cli.NewTxn()
				defer txn.Discard(c.ctx)
				resp, err := txn.QueryWithVars(c.ctx, args[0], qvars)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(resp))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&vars, "var", nil, "query variable as $name=value, repeatable")
	return cmd
}

func parseVars(vars []string) (map[string]string, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		kv := strings.SplitN(v, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, errors.Errorf("bad variable %q, expected format $name=value", v)
		}
		name := kv[0]
		if !strings.HasPrefix(name, "$") {
			name = "$" + name
		}
		m[name] = kv[1]
	}
	return m, nil
}
