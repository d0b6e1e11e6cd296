// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lxrag",
		Subsystem: "builder",
		Name:      "rebuilds_total",
		Help:      "Completed graph rebuilds by mode.",
	}, []string{"mode"})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lxrag",
		Subsystem: "builder",
		Name:      "rebuild_duration_seconds",
		Help:      "Graph rebuild wall time by mode.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	buildFilesAffected = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lxrag",
		Subsystem: "builder",
		Name:      "rebuild_files_affected",
		Help:      "Files written or retired per rebuild.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"mode"})
)

func observeBuild(mode Mode, duration time.Duration, filesAffected int) {
	m := string(mode)
	buildTotal.WithLabelValues(m).Inc()
	buildDuration.WithLabelValues(m).Observe(duration.Seconds())
	buildFilesAffected.WithLabelValues(m).Observe(float64(filesAffected))
}
