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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cmdDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dgraph_client",
			Subsystem: "cmd",
			Name:      "handle_cmds_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of handled success cmds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"type"})

	cmdFailedDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dgraph_client",
			Subsystem: "cmd",
			Name:      "handle_failed_cmds_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of failed handled cmds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"type"})

	batchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgraph_client",
			Subsystem: "batch",
			Name:      "submitted_total",
			Help:      "Counter of submitted batches by result.",
		}, []string{"result"})

	batchSizeHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dgraph_client",
			Subsystem: "batch",
			Name:      "size",
			Help:      "Bucketed histogram of the number of links in a submitted batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 13),
		})

	upsertAttemptCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgraph_client",
			Subsystem: "upsert",
			Name:      "attempts_total",
			Help:      "Counter of upsert attempts by result.",
		}, []string{"result"})
)

var (
	// WithLabelValues is a heavy operation, define variable to avoid call it every time.
	cmdDurationQuery        = cmdDuration.WithLabelValues("query")
	cmdDurationMutate       = cmdDuration.WithLabelValues("mutate")
	cmdDurationCommit       = cmdDuration.WithLabelValues("commit")
	cmdDurationDiscard      = cmdDuration.WithLabelValues("discard")
	cmdDurationAlter        = cmdDuration.WithLabelValues("alter")
	cmdDurationCheckVersion = cmdDuration.WithLabelValues("check_version")

	cmdFailedDurationQuery        = cmdFailedDuration.WithLabelValues("query")
	cmdFailedDurationMutate       = cmdFailedDuration.WithLabelValues("mutate")
	cmdFailedDurationCommit       = cmdFailedDuration.WithLabelValues("commit")
	cmdFailedDurationDiscard      = cmdFailedDuration.WithLabelValues("discard")
	cmdFailedDurationAlter        = cmdFailedDuration.WithLabelValues("alter")
	cmdFailedDurationCheckVersion = cmdFailedDuration.WithLabelValues("check_version")

	batchCounterOK     = batchCounter.WithLabelValues("ok")
	batchCounterFailed = batchCounter.WithLabelValues("failed")

	upsertAttemptFound   = upsertAttemptCounter.WithLabelValues("found")
	upsertAttemptCreated = upsertAttemptCounter.WithLabelValues("created")
	upsertAttemptFailed  = upsertAttemptCounter.WithLabelValues("failed")
)

func init() {
	prometheus.MustRegister(cmdDuration)
	prometheus.MustRegister(cmdFailedDuration)
	prometheus.MustRegister(batchCounter)
	prometheus.MustRegister(batchSizeHistogram)
	prometheus.MustRegister(upsertAttemptCounter)
}

func observeCmd(start time.Time, err error, ok, failed prometheus.Observer) {
	if err != nil {
		failed.Observe(time.Since(start).Seconds())
		return
	}
	ok.Observe(time.Since(start).Seconds())
}
