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
	"sync/atomic"
)

// scopedVariant holds the record list for one scope key of one
// (owner, type) pair. The zero scope is the global variant.
type scopedVariant struct {
	scope    netip.Prefix
	condFwd  bool
	records  []*Record
	lastUsed atomic.Int64
}

func (v *scopedVariant) isGlobal() bool { return !v.scope.IsValid() }

func (v *scopedVariant) sameScope(scope netip.Prefix, condFwd bool) bool {
	if v.isGlobal() {
		return !scope.IsValid()
	}
	return v.scope == scope && v.condFwd == condFwd
}

func (v *scopedVariant) head() *Record { return v.records[0] }

func (v *scopedVariant) usable(now int64, serveStale bool) bool {
	return len(v.records) > 0 && v.head().usable(now, serveStale)
}

func (v *scopedVariant) touch(now int64) { v.lastUsed.Store(now) }

// entrySet is the ordered list of scoped variants for one (owner, type).
// At most one variant exists per scope key. Access is guarded by the
// owning zone's lock.
type entrySet struct {
	variants []*scopedVariant
}

// recordScope derives the scope key from the records about to be cached.
func recordScope(records []*Record) (netip.Prefix, bool) {
	info := records[0].readInfo()
	return info.ECSScope, info.CondForwarder
}

// set replaces the variant with the same scope key as records. Variants
// under a different key survive as long as they are still usable: with
// serveStale a stale but not fully expired variant keeps serving until
// revalidated, without it stale variants are dropped on the spot.
// The returned delta is the change in variant count.
func (s *entrySet) set(records []*Record, serveStale bool, now int64) (delta int) {
	scope, condFwd := recordScope(records)
	before := len(s.variants)

	out := make([]*scopedVariant, 0, before+1)
	for _, v := range s.variants {
		if v.sameScope(scope, condFwd) {
			continue
		}
		if !v.usable(now, serveStale) {
			continue
		}
		out = append(out, v)
	}

	nv := &scopedVariant{scope: scope, condFwd: condFwd, records: records}
	nv.touch(now)
	out = append(out, nv)
	s.variants = out
	return len(out) - before
}

// match selects the variant whose scope contains addr at the longest
// prefix, falling back to the global variant.
func (s *entrySet) match(addr netip.Addr, condFwd bool) *scopedVariant {
	var global *scopedVariant
	var best *scopedVariant
	for _, v := range s.variants {
		if v.isGlobal() {
			global = v
			continue
		}
		if !addr.IsValid() || v.condFwd != condFwd {
			continue
		}
		if v.scope.Contains(addr) && (best == nil || v.scope.Bits() > best.scope.Bits()) {
			best = v
		}
	}
	if best != nil {
		return best
	}
	return global
}

func (s *entrySet) removeExpired(now int64, serveStale bool) (removed int) {
	return s.filter(func(v *scopedVariant) bool {
		return v.usable(now, serveStale)
	})
}

func (s *entrySet) removeLeastUsed(cutoff int64) (removed int) {
	return s.filter(func(v *scopedVariant) bool {
		return v.lastUsed.Load() >= cutoff
	})
}

func (s *entrySet) dropECS() (removed int) {
	return s.filter((*scopedVariant).isGlobal)
}

// filter keeps variants for which keep returns true, returning the number
// dropped.
func (s *entrySet) filter(keep func(*scopedVariant) bool) (removed int) {
	out := s.variants[:0]
	for _, v := range s.variants {
		if keep(v) {
			out = append(out, v)
		} else {
			removed++
		}
	}
	for i := len(out); i < len(s.variants); i++ {
		s.variants[i] = nil
	}
	s.variants = out
	return removed
}

func (s *entrySet) size() int { return len(s.variants) }
