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

import "go.uber.org/zap"

// RemoveExpiredRecords is the periodic eviction pass. It always drops
// fully expired entries; when the cache is still over capacity it drops
// stale entries, then falls back to least recently used eviction with a
// halving age cutoff until the deficit is cleared or nothing old enough
// remains.
func (m *Manager) RemoveExpiredRecords() {
	serveStale := m.serveStale()
	tree := m.tree.Load()
	removed := 0

	evict := func(z *Zone, n int) {
		if n > 0 {
			removed += n
			m.addEntries(-n)
			m.metrics.evicted.Add(float64(n))
		}
		if z.IsEmpty() {
			tree.TryRemove(z.Name())
		}
	}

	tree.Range(func(z *Zone) bool {
		evict(z, z.RemoveExpiredRecords(serveStale))
		return true
	})

	max := m.MaximumEntries()
	if max <= 0 {
		m.logRemoved(removed)
		return
	}
	over := func() bool { return m.totalEntries.Load() > max }

	if over() && serveStale {
		// Trade the serve stale reserve for headroom.
		tree.Range(func(z *Zone) bool {
			evict(z, z.RemoveExpiredRecords(false))
			return over()
		})
	}

	if over() {
		now := timeNow().Unix()
		for cutoffSecs := int64(86400); cutoffSecs >= 1 && over(); cutoffSecs /= 2 {
			cutoff := now - cutoffSecs
			tree.Range(func(z *Zone) bool {
				evict(z, z.RemoveLeastUsedRecords(cutoff))
				return over()
			})
		}
	}

	m.logRemoved(removed)
}

func (m *Manager) logRemoved(removed int) {
	if removed > 0 {
		m.logger.Debug("cache eviction pass",
			zap.Int("removed", removed),
			zap.Int64("total", m.TotalEntries()),
		)
	}
}
