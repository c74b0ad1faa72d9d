// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package commitlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamsxin/commitlog/segment"
)

type queueMetrics struct {
	appends               prometheus.Counter
	bytesWritten          prometheus.Counter
	reads                 prometheus.Counter
	bytesRead             prometheus.Counter
	segmentRolls          prometheus.Counter
	commits               prometheus.Counter
	flushes               prometheus.Counter
	mappedBytes           prometheus.GaugeFunc
	mappedFiles           prometheus.GaugeFunc
	lastSegmentAgeSeconds prometheus.Gauge
}

func newQueueMetrics(reg prometheus.Registerer) *queueMetrics {
	return &queueMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "appends",
			Help: "appends counts the number of messages appended to the log.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "message_bytes_written",
			Help: "message_bytes_written counts message body bytes appended." +
				" Actual bytes written to disk are slightly higher as each" +
				" message carries a frame header.",
		}),
		reads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "reads",
			Help: "reads counts the number of copying message reads.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "message_bytes_read",
			Help: "message_bytes_read counts message body bytes returned to readers.",
		}),
		segmentRolls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_rolls",
			Help: "segment_rolls counts how many times the log moved to a new segment file.",
		}),
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "commits",
			Help: "commits counts commit passes over the segment chain" +
				" (staged bytes drained into segment files).",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flushes",
			Help: "flushes counts flush passes over the segment chain.",
		}),
		mappedBytes: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mapped_bytes",
			Help: "mapped_bytes is the total virtual bytes of all live mapped" +
				" segments in the process.",
		}, func() float64 {
			return float64(segment.TotalMappedBytes())
		}),
		mappedFiles: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mapped_files",
			Help: "mapped_files is the number of live mapped segment files in the process.",
		}, func() float64 {
			return float64(segment.TotalMappedCount())
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "last_segment_age_seconds",
			Help: "last_segment_age_seconds is set each time the log rolls and" +
				" describes the number of seconds the previous segment spent as" +
				" the tail. This gives a rough estimate how quickly writes are" +
				" filling the disk.",
		}),
	}
}
