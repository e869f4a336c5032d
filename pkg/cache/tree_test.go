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
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const testBase = int64(1700000000)

func setNow(t *testing.T, sec int64) {
	old := timeNow
	timeNow = func() time.Time { return time.Unix(sec, 0) }
	t.Cleanup(func() { timeNow = old })
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func newTestRecord(t *testing.T, s string) *Record {
	t.Helper()
	return NewRecord(mustRR(t, s), StatusUnknown)
}

// addTestRecords stores one record set directly into the tree.
func addTestRecords(t *testing.T, tree *Tree, s string) {
	t.Helper()
	r := newTestRecord(t, s)
	z := tree.GetOrAdd(r.Name(), NewZone)
	z.SetRecords(r.Type(), []*Record{r}, false)
}

func TestTree_GetOrAdd_TryGet(t *testing.T) {
	setNow(t, testBase)
	tree := NewTree()

	created := 0
	factory := func(name string) *Zone {
		created++
		return NewZone(name)
	}

	z1 := tree.GetOrAdd("example.com.", factory)
	z2 := tree.GetOrAdd("EXAMPLE.com", factory)
	require.Same(t, z1, z2)
	require.Equal(t, 1, created)
	require.Equal(t, "example.com.", z1.Name())

	require.Same(t, z1, tree.TryGet("Example.COM."))
	require.Nil(t, tree.TryGet("example.net."))
	require.Nil(t, tree.TryGet("com."))
}

func TestTree_FindZone(t *testing.T) {
	setNow(t, testBase)
	tree := NewTree()
	now := testBase

	addTestRecords(t, tree, "com. 172800 IN NS a.gtld-servers.net.")
	addTestRecords(t, tree, "www.example.com. 300 IN A 192.0.2.1")

	exact, closest, delegation := tree.FindZone("www.example.com.", now, false)
	require.NotNil(t, exact)
	require.Equal(t, "www.example.com.", exact.Name())
	require.Equal(t, "www.example.com.", closest.Name())
	require.Equal(t, "com.", delegation.Name())

	exact, closest, delegation = tree.FindZone("mail.example.com.", now, false)
	require.Nil(t, exact)
	require.Equal(t, "com.", closest.Name())
	require.Equal(t, "com.", delegation.Name())

	// Unrelated tld.
	exact, closest, delegation = tree.FindZone("example.org.", now, false)
	require.Nil(t, exact)
	require.Nil(t, closest)
	require.Nil(t, delegation)
}

func TestTree_FindZone_rootNSIsNoDelegation(t *testing.T) {
	setNow(t, testBase)
	tree := NewTree()

	addTestRecords(t, tree, ". 518400 IN NS a.root-servers.net.")

	_, closest, delegation := tree.FindZone("example.com.", testBase, false)
	require.NotNil(t, closest)
	require.Nil(t, delegation)
}

func TestTree_TryRemoveTree(t *testing.T) {
	setNow(t, testBase)
	tree := NewTree()

	addTestRecords(t, tree, "example.com. 300 IN A 192.0.2.1")
	addTestRecords(t, tree, "a.example.com. 300 IN A 192.0.2.2")
	addTestRecords(t, tree, "b.a.example.com. 300 IN AAAA 2001:db8::1")
	addTestRecords(t, tree, "example.net. 300 IN A 192.0.2.3")

	removed := tree.TryRemoveTree("example.com.")
	require.Equal(t, 3, removed)
	require.Nil(t, tree.TryGet("example.com."))
	require.Nil(t, tree.TryGet("b.a.example.com."))
	require.NotNil(t, tree.TryGet("example.net."))

	require.Equal(t, 0, tree.TryRemoveTree("example.com."))
}

func TestTree_SubDomainsAndRange(t *testing.T) {
	setNow(t, testBase)
	tree := NewTree()

	addTestRecords(t, tree, "a.example.com. 300 IN A 192.0.2.1")
	addTestRecords(t, tree, "b.example.com. 300 IN A 192.0.2.2")
	addTestRecords(t, tree, "c.b.example.com. 300 IN A 192.0.2.3")

	subs := tree.SubDomains("example.com.")
	require.ElementsMatch(t, []string{"a.example.com.", "b.example.com."}, subs)

	seen := make(map[string]int)
	tree.Range(func(z *Zone) bool {
		seen[z.Name()]++
		return true
	})
	require.Equal(t, map[string]int{
		"a.example.com.":   1,
		"b.example.com.":   1,
		"c.b.example.com.": 1,
	}, seen)
}
