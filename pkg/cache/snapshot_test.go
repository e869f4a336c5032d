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
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func populateTestCache(t *testing.T, m *Manager) {
	t.Helper()

	ns := newTestRecord(t, "com. 172800 IN NS a.gtld-servers.net.")
	glue := newTestRecord(t, "a.gtld-servers.net. 172800 IN A 192.5.6.30")
	ns.Info().Glue = []*Record{glue}
	m.CacheRecords([]*Record{ns})

	a := NewRecord(mustRR(t, "signed.test. 300 IN A 192.0.2.1"), StatusSecure)
	sig := NewRecord(mustRR(t, "signed.test. 300 IN RRSIG A 13 2 300 20370101000000 20200101000000 12345 test. dGVzdHNpZ25hdHVyZQ=="), StatusSecure)
	a.Info().RRSIGs = []*Record{sig}
	m.CacheRecords([]*Record{a})

	scoped := newTestRecord(t, "ecs.test. 300 IN A 198.51.100.1")
	scoped.Info().ECSScope = netip.MustParsePrefix("203.0.113.0/24")
	m.CacheRecords([]*Record{scoped})

	soa := newTestRecord(t, "test. 300 IN SOA ns1.test. host.test. 1 7200 3600 604800 300")
	sp := &SpecialPayload{
		Kind:           KindNegativeCache,
		RCode:          dns.RcodeNameError,
		OrigRCode:      dns.RcodeNameError,
		Authority:      []*Record{soa},
		PlainAuthority: []*Record{soa},
		Options:        []dns.EDNS0{&dns.EDNS0_EDE{InfoCode: dns.ExtendedErrorCodeCachedError}},
	}
	m.CacheRecords([]*Record{NewSpecialRecord("nx.test.", sp, StatusSecure)})
}

func TestSnapshot_RoundTrip(t *testing.T) {
	setNow(t, testBase)
	m1, sv := newTestManager(t, false)
	populateTestCache(t, m1)
	require.NoError(t, m1.SaveSnapshot())

	m2, err := NewManager(Opts{Server: sv})
	require.NoError(t, err)
	require.NoError(t, m2.LoadSnapshot())
	require.Equal(t, m1.TotalEntries(), m2.TotalEntries())

	queries := []*dns.Msg{
		newQuery("example.com.", dns.TypeA),
		newQuery("signed.test.", dns.TypeA),
		withDO(newQuery("signed.test.", dns.TypeA)),
		withECS(newQuery("ecs.test.", dns.TypeA), "203.0.113.5", 24),
		newQuery("nx.test.", dns.TypeAAAA),
		withDO(newQuery("nx.test.", dns.TypeA)),
	}
	for _, q := range queries {
		r1 := m1.Query(q.Copy(), false, true)
		r2 := m2.Query(q.Copy(), false, true)
		if r1 == nil {
			require.Nil(t, r2, "query %v", q.Question)
			continue
		}
		require.NotNil(t, r2, "query %v", q.Question)
		require.Equal(t, r1.String(), r2.String(), "query %v", q.Question)
	}
}

func TestSnapshot_EmptyZonesDiscarded(t *testing.T) {
	setNow(t, testBase)
	m1, sv := newTestManager(t, false)
	m1.CacheRecords([]*Record{newTestRecord(t, "gone.test. 60 IN A 192.0.2.1")})
	m1.CacheRecords([]*Record{newTestRecord(t, "kept.test. 604800 IN A 192.0.2.2")})

	// First entry is far past the serve stale window by save time.
	setNow(t, testBase+60+ServeStaleTTL+10)
	require.NoError(t, m1.SaveSnapshot())

	m2, err := NewManager(Opts{Server: sv})
	require.NoError(t, err)
	require.NoError(t, m2.LoadSnapshot())
	require.Equal(t, int64(1), m2.TotalEntries())
	require.Nil(t, m2.Query(newQuery("gone.test.", dns.TypeA), false, false))
	require.NotNil(t, m2.Query(newQuery("kept.test.", dns.TypeA), false, false))
}

func TestSnapshot_Corrupt(t *testing.T) {
	setNow(t, testBase)
	m, sv := newTestManager(t, false)
	path := filepath.Join(sv.dir, SnapshotFile)

	// Bad magic.
	require.NoError(t, os.WriteFile(path, []byte("XX\x01zonedata"), 0o644))
	err := m.LoadSnapshot()
	require.ErrorIs(t, err, ErrCorruptSnapshot)

	// Unsupported version.
	require.NoError(t, os.WriteFile(path, []byte("CZ\x02"), 0o644))
	err = m.LoadSnapshot()
	require.ErrorIs(t, err, ErrCorruptSnapshot)

	// Truncated payload.
	populateTestCache(t, m)
	require.NoError(t, m.SaveSnapshot())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b[:len(b)-3], 0o644))
	m2, err := NewManager(Opts{Server: sv})
	require.NoError(t, err)
	require.Error(t, m2.LoadSnapshot())

	// Missing file.
	require.NoError(t, os.Remove(path))
	require.ErrorIs(t, m.LoadSnapshot(), os.ErrNotExist)
}

func TestSnapshot_GlueSurvives(t *testing.T) {
	setNow(t, testBase)
	m1, sv := newTestManager(t, false)
	populateTestCache(t, m1)
	require.NoError(t, m1.SaveSnapshot())

	m2, err := NewManager(Opts{Server: sv})
	require.NoError(t, err)
	require.NoError(t, m2.LoadSnapshot())

	resp := m2.Query(newQuery("example.com.", dns.TypeA), false, true)
	require.NotNil(t, resp)
	require.Len(t, resp.Ns, 1)
	extra := nonOptExtra(resp)
	require.Len(t, extra, 1)
	require.Equal(t, "a.gtld-servers.net.", extra[0].Header().Name)
}
