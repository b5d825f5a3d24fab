/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

// Package metrics exposes the process's Prometheus registry and the
// counters/gauges the core maintains for session counts, bytes forwarded,
// cache sizes, policy match counts, spoof generations and signature fires.
// The control-plane Stats accessor in internal/core does not read these; it
// reads the session registry and the policy rules' own counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SessionsActive tracks sessions currently in a non-terminal state.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "smithproxy",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of sessions currently open.",
	})

	// SessionsTotal counts sessions that have ever been accepted.
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "smithproxy",
		Subsystem: "session",
		Name:      "total",
		Help:      "Total number of sessions accepted since start.",
	})

	// PolicyRuleMatches counts matches per policy rule index.
	PolicyRuleMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smithproxy",
		Subsystem: "policy",
		Name:      "rule_matches_total",
		Help:      "Number of times each policy rule index produced the first match.",
	}, []string{"rule_index"})

	// PolicyDenies counts implicit-deny verdicts (no rule matched).
	PolicyDenies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "smithproxy",
		Subsystem: "policy",
		Name:      "implicit_deny_total",
		Help:      "Number of connections denied because no policy rule matched.",
	})

	// CacheSize reports the current entry count of a named cache.
	CacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "smithproxy",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Current number of entries held in a given cache.",
	}, []string{"cache"})

	// BytesTransferred counts bytes forwarded per side of a session.
	BytesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smithproxy",
		Subsystem: "session",
		Name:      "bytes_total",
		Help:      "Bytes forwarded, labeled by side (left/right).",
	}, []string{"side"})

	// SpoofGenerations counts certificate spoof generations actually performed
	// (as opposed to served from cache), the inverse indicator of singleflight
	// effectiveness.
	SpoofGenerations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "smithproxy",
		Subsystem: "mitm",
		Name:      "spoof_generations_total",
		Help:      "Number of times a new leaf certificate was actually generated.",
	})

	// SignatureFires counts detections, labeled by signature name.
	SignatureFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smithproxy",
		Subsystem: "signature",
		Name:      "fires_total",
		Help:      "Number of times a detection signature fired, labeled by signature name.",
	}, []string{"signature"})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		PolicyRuleMatches,
		PolicyDenies,
		CacheSize,
		BytesTransferred,
		SpoofGenerations,
		SignatureFires,
	)
}
