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

package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinydgraph/client"
	"github.com/pingcap-incubator/tinydgraph/pkg/grpcutil"
	"github.com/pingcap-incubator/tinydgraph/pkg/typeutil"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the configuration of a Dgraph client.
type Config struct {
	// Endpoints are the gRPC addresses of the alphas.
	Endpoints []string `toml:"endpoints" json:"endpoints"`
	// Zero is the HTTP address of a Dgraph Zero, used to lease uids for named nodes. Empty disables leasing.
	Zero string `toml:"zero" json:"zero"`

	RPCTimeout  typeutil.Duration `toml:"rpc-timeout" json:"rpc-timeout"`
	DialTimeout typeutil.Duration `toml:"dial-timeout" json:"dial-timeout"`

	// UpsertRetries is the number of attempts of an upsert.
	UpsertRetries int `toml:"upsert-retries" json:"upsert-retries"`
	// UIDLeaseSize is how many uids are leased from Zero at once.
	UIDLeaseSize uint64 `toml:"uid-lease-size" json:"uid-lease-size"`

	Security  grpcutil.SecurityConfig `toml:"security" json:"security"`
	Keepalive KeepaliveConfig         `toml:"keepalive" json:"keepalive"`
	Batch     BatchConfig             `toml:"batch" json:"batch"`
	Log       log.Config              `toml:"log" json:"log"`

	// WarningMsgs contains all info and warnings during configuration adjustment.
	WarningMsgs []string `json:"-"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// KeepaliveConfig is the gRPC keepalive of the connections. A zero interval disables it.
type KeepaliveConfig struct {
	Interval typeutil.Duration `toml:"interval" json:"interval"`
	Timeout  typeutil.Duration `toml:"timeout" json:"timeout"`
}

// BatchConfig is the configuration of a batch client.
type BatchConfig struct {
	NumBatches int    `toml:"num-batches" json:"num-batches"`
	BatchSize  int    `toml:"batch-size" json:"batch-size"`
	Routing    string `toml:"routing" json:"routing"`
	// SubmitRate limits batch submissions per second. Zero means unlimited.
	SubmitRate float64 `toml:"submit-rate" json:"submit-rate"`
}

const (
	defaultEndpoint         = "127.0.0.1:9080"
	defaultRPCTimeout       = 10 * time.Second
	defaultDialTimeout      = 5 * time.Second
	defaultUpsertRetries    = 3
	defaultUIDLeaseSize     = 1000
	defaultKeepaliveTimeout = 3 * time.Second
	defaultNumBatches       = 8
	defaultBatchSize        = 100
	defaultLogLevel         = "info"
)

// NewConfig creates a new config.
func NewConfig() *Config {
	return &Config{}
}

// FromFile loads the configuration from a TOML file. Call Adjust with the returned metadata afterwards.
func (c *Config) FromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustUint64(v *uint64, defValue uint64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Adjust fills unset items with defaults. Keys in the file that match no item are reported in WarningMsgs.
func (c *Config) Adjust(meta *toml.MetaData) error {
	configMetaData := newConfigMetadata(meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	if len(c.Endpoints) == 0 {
		c.Endpoints = []string{defaultEndpoint}
	}
	adjustDuration(&c.RPCTimeout, defaultRPCTimeout)
	adjustDuration(&c.DialTimeout, defaultDialTimeout)
	adjustInt(&c.UpsertRetries, defaultUpsertRetries)
	adjustUint64(&c.UIDLeaseSize, defaultUIDLeaseSize)
	if c.Keepalive.Interval.Duration > 0 {
		adjustDuration(&c.Keepalive.Timeout, defaultKeepaliveTimeout)
	}
	c.Batch.adjust()
	adjustString(&c.Log.Level, defaultLogLevel)
	return nil
}

func (c *BatchConfig) adjust() {
	adjustInt(&c.NumBatches, defaultNumBatches)
	adjustInt(&c.BatchSize, defaultBatchSize)
	adjustString(&c.Routing, client.RouteRoundRobin.String())
}

// Validate checks the adjusted configuration.
func (c *Config) Validate() error {
	for _, ep := range c.Endpoints {
		target, err := grpcutil.Target(ep)
		if err != nil {
			return errors.Wrapf(err, "invalid endpoint %q", ep)
		}
		if target == "" {
			return errors.Errorf("invalid endpoint %q", ep)
		}
	}
	if c.RPCTimeout.Duration < 0 || c.DialTimeout.Duration < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.UpsertRetries < 0 {
		return errors.Errorf("upsert-retries must not be negative, got %d", c.UpsertRetries)
	}
	if c.Batch.NumBatches < 0 || c.Batch.BatchSize < 0 {
		return errors.Errorf("invalid batch config: %d batches of %d", c.Batch.NumBatches, c.Batch.BatchSize)
	}
	if c.Batch.SubmitRate < 0 {
		return errors.Errorf("submit-rate must not be negative, got %v", c.Batch.SubmitRate)
	}
	_, err := client.ParseRouting(c.Batch.Routing)
	return err
}

// ClientOptions converts the configuration to client options.
func (c *Config) ClientOptions() []client.Option {
	opts := []client.Option{
		client.WithRPCTimeout(c.RPCTimeout.Duration),
		client.WithDialTimeout(c.DialTimeout.Duration),
		client.WithSecurity(c.Security),
		client.WithUIDLeaseSize(c.UIDLeaseSize),
	}
	if c.Keepalive.Interval.Duration > 0 {
		opts = append(opts, client.WithKeepalive(c.Keepalive.Interval.Duration, c.Keepalive.Timeout.Duration))
	}
	if c.Zero != "" {
		opts = append(opts, client.WithIDAllocator(client.NewZeroAllocator(c.Zero, nil)))
	}
	return opts
}

// BatchOptions converts the batch section to batch client options.
func (c *Config) BatchOptions() ([]client.BatchOption, error) {
	routing, err := client.ParseRouting(c.Batch.Routing)
	if err != nil {
		return nil, err
	}
	return []client.BatchOption{
		client.WithRouting(routing),
		client.WithSubmitRate(c.Batch.SubmitRate),
	}, nil
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	errInfo := "Config contains undefined item: "
	for _, key := range undecoded {
		errInfo += key.String() + ", "
	}
	return errors.New(errInfo[:len(errInfo)-2])
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}

func (c *Config) String() string {
	return fmt.Sprintf("endpoints=%v zero=%q rpc-timeout=%s batch=%d*%d(%s)",
		c.Endpoints, c.Zero, c.RPCTimeout.Duration, c.Batch.NumBatches, c.Batch.BatchSize, c.Batch.Routing)
}
