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

import (
	"net/netip"
	"sync"

	"github.com/miekg/dns"
)

// Zone is the per owner name slice of the cache: a map from rrtype to its
// scoped entry set. Reads run concurrently, writes are serialized per zone.
type Zone struct {
	name string

	mu      sync.RWMutex
	entries map[uint16]*entrySet
}

func NewZone(name string) *Zone {
	return &Zone{
		name:    dns.CanonicalName(name),
		entries: make(map[uint16]*entrySet),
	}
}

func (z *Zone) Name() string { return z.name }

// SetRecords replaces the scoped variant identified by the records' scope
// key under qtype. The returned delta is the change in stored variant
// count, for total entry accounting.
func (z *Zone) SetRecords(qtype uint16, records []*Record, serveStale bool) (delta int) {
	if len(records) == 0 {
		return 0
	}
	now := timeNow().Unix()

	z.mu.Lock()
	defer z.mu.Unlock()
	s := z.entries[qtype]
	if s == nil {
		s = new(entrySet)
		z.entries[qtype] = s
	}
	return s.set(records, serveStale, now)
}

// QueryRecords returns the best scoped record list for qtype, or nil on a
// miss. A miss for the exact type falls back to a cached CNAME at the same
// owner (except for CNAME and DS questions), and, when allowSpecial is set,
// to the special cache entry which matches any question type.
func (z *Zone) QueryRecords(qtype uint16, serveStale, allowSpecial bool, ecs netip.Addr, condFwd bool) []*Record {
	now := timeNow().Unix()

	z.mu.RLock()
	defer z.mu.RUnlock()

	if rs := z.queryLocked(qtype, now, serveStale, ecs, condFwd); rs != nil {
		return rs
	}
	if qtype != dns.TypeCNAME && qtype != dns.TypeDS {
		if rs := z.queryLocked(dns.TypeCNAME, now, serveStale, ecs, condFwd); rs != nil {
			return rs
		}
	}
	if allowSpecial && qtype != TypeSpecial {
		if rs := z.queryLocked(TypeSpecial, now, serveStale, ecs, condFwd); rs != nil {
			return rs
		}
	}
	return nil
}

func (z *Zone) queryLocked(qtype uint16, now int64, serveStale bool, ecs netip.Addr, condFwd bool) []*Record {
	s := z.entries[qtype]
	if s == nil {
		return nil
	}
	v := s.match(ecs, condFwd)
	if v == nil || !v.usable(now, serveStale) {
		return nil
	}
	v.touch(now)
	return v.records
}

// RemoveExpiredRecords drops every variant whose head record is no longer
// servable and returns the number of variants dropped.
func (z *Zone) RemoveExpiredRecords(serveStale bool) (removed int) {
	now := timeNow().Unix()

	z.mu.Lock()
	defer z.mu.Unlock()
	for qtype, s := range z.entries {
		removed += s.removeExpired(now, serveStale)
		if s.size() == 0 {
			delete(z.entries, qtype)
		}
	}
	return removed
}

// RemoveLeastUsedRecords drops variants not used since cutoff.
func (z *Zone) RemoveLeastUsedRecords(cutoff int64) (removed int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for qtype, s := range z.entries {
		removed += s.removeLeastUsed(cutoff)
		if s.size() == 0 {
			delete(z.entries, qtype)
		}
	}
	return removed
}

// DeleteECSData drops all client subnet scoped variants, keeping only the
// global ones.
func (z *Zone) DeleteECSData() (removed int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for qtype, s := range z.entries {
		removed += s.dropECS()
		if s.size() == 0 {
			delete(z.entries, qtype)
		}
	}
	return removed
}

// ListAllRecords appends every cached record of this zone to out.
func (z *Zone) ListAllRecords(out *[]*Record) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	for _, s := range z.entries {
		for _, v := range s.variants {
			*out = append(*out, v.records...)
		}
	}
}

// TotalEntries is the number of stored variants.
func (z *Zone) TotalEntries() int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	n := 0
	for _, s := range z.entries {
		n += s.size()
	}
	return n
}

// IsEmpty reports whether the zone holds nothing servable at all, i.e.
// every variant is past the serve stale window.
func (z *Zone) IsEmpty() bool {
	now := timeNow().Unix()

	z.mu.RLock()
	defer z.mu.RUnlock()
	for _, s := range z.entries {
		for _, v := range s.variants {
			if len(v.records) > 0 && !v.head().IsFullyExpired(now) {
				return false
			}
		}
	}
	return true
}

// hasLiveNS reports whether the zone currently owns a servable NS set.
// Used for delegation lookups.
func (z *Zone) hasLiveNS(now int64, serveStale bool) bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	s := z.entries[dns.TypeNS]
	if s == nil {
		return false
	}
	for _, v := range s.variants {
		if v.usable(now, serveStale) {
			return true
		}
	}
	return false
}
