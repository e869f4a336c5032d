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
	"net/netip"

	"github.com/miekg/dns"
	"go4.org/netipx"
)

// GetMsgECS returns the first client subnet option in m, nil if there is none.
func GetMsgECS(m *dns.Msg) *dns.EDNS0_SUBNET {
	opt := m.IsEdns0()
	if opt == nil {
		return nil
	}
	for _, o := range opt.Option {
		if ecs, ok := o.(*dns.EDNS0_SUBNET); ok {
			return ecs
		}
	}
	return nil
}

// ECSAddr converts the option's address to a netip.Addr.
func ECSAddr(ecs *dns.EDNS0_SUBNET) (netip.Addr, bool) {
	if ecs == nil {
		return netip.Addr{}, false
	}
	addr, ok := netipx.FromStdIP(ecs.Address)
	if !ok {
		return netip.Addr{}, false
	}
	return addr, true
}

// EchoECS builds the response client subnet option for the request option
// req, carrying the cached scope prefix length.
func EchoECS(req *dns.EDNS0_SUBNET, scopePrefix uint8) *dns.EDNS0_SUBNET {
	return &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        req.Family,
		SourceNetmask: req.SourceNetmask,
		SourceScope:   scopePrefix,
		Address:       req.Address,
	}
}

// NewEDE builds an extended dns error option.
func NewEDE(infoCode uint16, text string) *dns.EDNS0_EDE {
	return &dns.EDNS0_EDE{
		InfoCode:  infoCode,
		ExtraText: text,
	}
}

// SetEDNS0 appends an OPT record to resp with the given payload size,
// DO bit and options. Any previous OPT in resp is replaced.
func SetEDNS0(resp *dns.Msg, udpSize uint16, do bool, options []dns.EDNS0) {
	for i, rr := range resp.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			resp.Extra = append(resp.Extra[:i], resp.Extra[i+1:]...)
			break
		}
	}
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.SetUDPSize(udpSize)
	if do {
		opt.SetDo()
	}
	opt.Option = options
	resp.Extra = append(resp.Extra, opt)
}
