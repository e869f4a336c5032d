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
	"github.com/miekg/dns"

	"github.com/00mjk/DnsServer/pkg/dnsutils"
)

// CacheRecords ingests the post-resolution record list of one upstream
// answer. Records are grouped by (owner, type) and stored per scope key.
// Owners below a DNAME owner in the same answer are skipped: synthesized
// CNAMEs are recomputed on every query, never cached.
func (m *Manager) CacheRecords(records []*Record) {
	if len(records) == 0 {
		return
	}
	serveStale := m.serveStale()

	for _, r := range records {
		normalizeCompanions(r)
	}

	if len(records) == 1 {
		r := records[0]
		z := m.zoneFor(r.Name())
		m.addEntries(z.SetRecords(r.Type(), records, serveStale))
		return
	}

	var dnameOwners []string
	for _, r := range records {
		if !r.IsSpecial() && r.Type() == dns.TypeDNAME {
			dnameOwners = append(dnameOwners, r.Name())
		}
	}

	type groupKey struct {
		owner string
		qtype uint16
	}
	groups := make(map[groupKey][]*Record)
	var order []groupKey
	for _, r := range records {
		k := groupKey{r.Name(), r.Type()}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	delta := 0
	for _, k := range order {
		if underDNAME(k.owner, dnameOwners) {
			continue
		}
		z := m.zoneFor(k.owner)
		delta += z.SetRecords(k.qtype, groups[k], serveStale)
	}
	m.addEntries(delta)
}

func underDNAME(owner string, dnameOwners []string) bool {
	for _, d := range dnameOwners {
		if dnsutils.IsSubDomain(d, owner) {
			return true
		}
	}
	return false
}

// normalizeCompanions spreads a record's covering signatures onto its glue
// and denial companions, so they can be served with their own proofs.
func normalizeCompanions(r *Record) {
	if r.IsSpecial() || r.info == nil {
		return
	}
	info := r.info
	if len(info.RRSIGs) == 0 {
		return
	}
	attach := func(c *Record) {
		ci := c.Info()
		if len(ci.RRSIGs) > 0 {
			return
		}
		for _, sig := range info.RRSIGs {
			s, ok := sig.rr.(*dns.RRSIG)
			if !ok {
				continue
			}
			if dnsutils.EqualNames(s.Hdr.Name, c.Name()) && s.TypeCovered == c.Type() {
				ci.RRSIGs = append(ci.RRSIGs, sig)
			}
		}
	}
	for _, g := range info.Glue {
		attach(g)
	}
	for _, n := range info.NSECs {
		attach(n)
	}
}
