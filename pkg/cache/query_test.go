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
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func extraOwners(msg *dns.Msg) map[string]int {
	out := make(map[string]int)
	for _, rr := range msg.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		out[rr.Header().Name]++
	}
	return out
}

func TestQuery_MXAdditional(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	m.CacheRecords([]*Record{newTestRecord(t, "mail.test. 300 IN MX 10 mx1.mail.test.")})
	m.CacheRecords([]*Record{newTestRecord(t, "mx1.mail.test. 300 IN A 192.0.2.25")})
	m.CacheRecords([]*Record{newTestRecord(t, "mx1.mail.test. 300 IN AAAA 2001:db8::25")})

	resp := m.Query(newQuery("mail.test.", dns.TypeMX), false, false)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, map[string]int{"mx1.mail.test.": 2}, extraOwners(resp))
}

func TestQuery_SRVAdditionalViaCNAME(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	m.CacheRecords([]*Record{newTestRecord(t, "_sip._tcp.test. 300 IN SRV 10 60 5060 srv.test.")})
	m.CacheRecords([]*Record{newTestRecord(t, "srv.test. 300 IN CNAME real.test.")})
	m.CacheRecords([]*Record{newTestRecord(t, "real.test. 300 IN A 192.0.2.80")})

	resp := m.Query(newQuery("_sip._tcp.test.", dns.TypeSRV), false, false)
	require.NotNil(t, resp)
	require.Equal(t, map[string]int{"real.test.": 1}, extraOwners(resp))
}

func TestQuery_HTTPSAliasChain(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	m.CacheRecords([]*Record{newTestRecord(t, "www.alias.test. 300 IN HTTPS 0 svc.alias.test.")})
	m.CacheRecords([]*Record{newTestRecord(t, "svc.alias.test. 300 IN HTTPS 1 . alpn=h2")})
	m.CacheRecords([]*Record{newTestRecord(t, "svc.alias.test. 300 IN A 192.0.2.44")})

	resp := m.Query(newQuery("www.alias.test.", dns.TypeHTTPS), false, false)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)

	// The alias hop and the final address both land in additional.
	owners := extraOwners(resp)
	require.Equal(t, 2, owners["svc.alias.test."])
}

func TestQuery_HTTPSAliasUnavailable(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	// AliasMode with "." target: service unavailable, nothing to add.
	m.CacheRecords([]*Record{newTestRecord(t, "dead.test. 300 IN HTTPS 0 .")})

	resp := m.Query(newQuery("dead.test.", dns.TypeHTTPS), false, false)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	require.Empty(t, extraOwners(resp))
}

func TestQuery_HTTPSServiceModeSelf(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	// ServiceMode with "." target means the owner itself.
	m.CacheRecords([]*Record{newTestRecord(t, "self.svc.test. 300 IN HTTPS 1 . alpn=h3")})
	m.CacheRecords([]*Record{newTestRecord(t, "self.svc.test. 300 IN A 192.0.2.99")})

	resp := m.Query(newQuery("self.svc.test.", dns.TypeHTTPS), false, false)
	require.NotNil(t, resp)
	require.Equal(t, map[string]int{"self.svc.test.": 1}, extraOwners(resp))
}

func TestQuery_SVCBAliasLoop(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	m.CacheRecords([]*Record{newTestRecord(t, "a.loop.test. 300 IN SVCB 0 b.loop.test.")})
	m.CacheRecords([]*Record{newTestRecord(t, "b.loop.test. 300 IN SVCB 0 a.loop.test.")})

	// Must terminate; each alias record appears at most once.
	resp := m.Query(newQuery("a.loop.test.", dns.TypeSVCB), false, false)
	require.NotNil(t, resp)
	for _, n := range extraOwners(resp) {
		require.LessOrEqual(t, n, 1)
	}
}

func TestQuery_NSAdditionalFromCache(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	// No glue attached: the target addresses come from their own zones.
	m.CacheRecords([]*Record{newTestRecord(t, "zone.test. 300 IN NS ns1.zone.test.")})
	m.CacheRecords([]*Record{newTestRecord(t, "ns1.zone.test. 300 IN A 192.0.2.53")})

	resp := m.Query(newQuery("zone.test.", dns.TypeNS), false, false)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, map[string]int{"ns1.zone.test.": 1}, extraOwners(resp))
}

func TestQuery_StaleGlueIsSkipped(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, true)

	ns := newTestRecord(t, "g.test. 604800 IN NS ns1.g.test.")
	glue := newTestRecord(t, "ns1.g.test. 60 IN A 192.0.2.53")
	ns.Info().Glue = []*Record{glue}
	m.CacheRecords([]*Record{ns})

	// Glue went stale; no fallback zone cached either.
	setNow(t, testBase+120)
	resp := m.Query(newQuery("g.test.", dns.TypeNS), false, false)
	require.NotNil(t, resp)
	require.Empty(t, extraOwners(resp))
}

func TestQuery_DelegationWithDS(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	ns := NewRecord(mustRR(t, "sec.test. 172800 IN NS ns1.sec.test."), StatusSecure)
	m.CacheRecords([]*Record{ns})
	ds := NewRecord(mustRR(t, "sec.test. 86400 IN DS 12345 13 2 49FD46E6C4B45C55D4AC69CBD3CD34AC1AFE51DE53845F7E934A5E2345A7A1B2"), StatusSecure)
	m.CacheRecords([]*Record{ds})

	resp := m.Query(withDO(newQuery("www.sec.test.", dns.TypeA)), false, true)
	require.NotNil(t, resp)
	types := make(map[uint16]int)
	for _, rr := range resp.Ns {
		types[rr.Header().Rrtype]++
	}
	require.Equal(t, 1, types[dns.TypeNS])
	require.Equal(t, 1, types[dns.TypeDS])

	// Without DO only the NS set is returned.
	resp = m.Query(newQuery("www.sec.test.", dns.TypeA), false, true)
	require.NotNil(t, resp)
	require.Len(t, resp.Ns, 1)
}

func TestQuery_DSReparenting(t *testing.T) {
	setNow(t, testBase)
	m, _ := newTestManager(t, false)

	m.CacheRecords([]*Record{newTestRecord(t, "test. 172800 IN NS ns1.test.")})
	m.CacheRecords([]*Record{newTestRecord(t, "child.test. 172800 IN NS ns1.child.test.")})

	// DS for child.test. lives in the parent; the referral must come from
	// test., not from child.test. itself.
	resp := m.Query(newQuery("child.test.", dns.TypeDS), false, true)
	require.NotNil(t, resp)
	require.Len(t, resp.Ns, 1)
	require.Equal(t, "test.", resp.Ns[0].Header().Name)
}
