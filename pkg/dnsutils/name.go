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

package dnsutils

import (
	"strconv"

	"github.com/miekg/dns"
)

// ParentZone returns the parent zone of name ("www.example.com." ->
// "example.com."). ok is false if name is the root.
func ParentZone(name string) (parent string, ok bool) {
	name = dns.CanonicalName(name)
	if name == "." {
		return "", false
	}
	idx := dns.Split(name)
	if len(idx) < 2 {
		return ".", true
	}
	return name[idx[1]:], true
}

// IsSubDomain reports whether child is below parent. A name is not a
// sub domain of itself. Comparison is case-insensitive.
func IsSubDomain(parent, child string) bool {
	parent = dns.CanonicalName(parent)
	child = dns.CanonicalName(child)
	return child != parent && dns.IsSubDomain(parent, child)
}

// EqualNames reports whether two domain names are equal, ignoring case
// and the trailing dot.
func EqualNames(a, b string) bool {
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}

// IsWildcardExpanded reports whether sig covers a wildcard-expanded rrset.
// Per RFC 4035 5.3.1, the signature's label count is then smaller than the
// number of labels in the owner name.
func IsWildcardExpanded(sig *dns.RRSIG) bool {
	return int(sig.Labels) < dns.CountLabel(sig.Hdr.Name)
}

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}
