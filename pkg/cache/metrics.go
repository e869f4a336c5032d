/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of dnsserver.
 *
 * dnsserver is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * dnsserver is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hit     prometheus.Counter
	miss    prometheus.Counter
	stale   prometheus.Counter
	evicted prometheus.Counter
	entries prometheus.GaugeFunc
}

func (m *Manager) initMetrics() {
	m.metrics.hit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hit_total",
		Help: "Queries answered from the cache.",
	})
	m.metrics.miss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_miss_total",
		Help: "Queries the cache had no answer for.",
	})
	m.metrics.stale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_stale_answer_total",
		Help: "Answers served past their ttl (RFC 8767).",
	})
	m.metrics.evicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_evicted_total",
		Help: "Entries removed by ttl or capacity eviction.",
	})
	m.metrics.entries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cache_entries",
		Help: "Entries currently cached.",
	}, func() float64 {
		return float64(m.TotalEntries())
	})
}

// Collectors returns the manager's prometheus collectors for registration.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.metrics.hit,
		m.metrics.miss,
		m.metrics.stale,
		m.metrics.evicted,
		m.metrics.entries,
	}
}
