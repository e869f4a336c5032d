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

	"github.com/miekg/dns"

	"github.com/00mjk/DnsServer/pkg/dnsutils"
)

// request is the parsed view of one question message.
type request struct {
	msg      *dns.Msg
	question dns.Question
	qname    string
	do       bool
	cd       bool
	ecsOpt   *dns.EDNS0_SUBNET
	ecsAddr  netip.Addr
}

func newRequest(msg *dns.Msg) (request, bool) {
	if len(msg.Question) != 1 {
		return request{}, false
	}
	q := msg.Question[0]
	req := request{
		msg:      msg,
		question: q,
		qname:    dns.CanonicalName(q.Name),
		cd:       msg.CheckingDisabled,
	}
	if opt := msg.IsEdns0(); opt != nil {
		req.do = opt.Do()
	}
	if ecs := dnsutils.GetMsgECS(msg); ecs != nil {
		req.ecsOpt = ecs
		req.ecsAddr, _ = dnsutils.ECSAddr(ecs)
	}
	return req, true
}

// Query answers the request from the cache. A nil return is a cache miss.
// With serveStaleAndResetExpiry, stale records may be served with a one
// shot expiry extension (RFC 8767). With findClosestNameServers a miss is
// turned into the closest cached referral when one exists.
func (m *Manager) Query(msg *dns.Msg, serveStaleAndResetExpiry, findClosestNameServers bool) *dns.Msg {
	req, ok := newRequest(msg)
	if !ok {
		return nil
	}
	now := timeNow().Unix()
	serveStale := m.serveStale()
	tree := m.tree.Load()

	exact, closest, _ := tree.FindZone(req.qname, now, serveStale)

	abandonToDelegation := false
	answered := false
	var resp *dns.Msg

	if exact != nil {
		answers := exact.QueryRecords(req.question.Qtype, serveStale, true, req.ecsAddr, false)
		if len(answers) > 0 {
			answered = true
			if answers[0].IsSpecial() {
				resp = m.specialResponse(req, answers[0], serveStaleAndResetExpiry, now)
			} else {
				answers = m.chaseCNAMEs(answers, req.question.Qtype, serveStale, req.ecsAddr)
				resp = m.buildAnswerResponse(req, answers, dns.RcodeSuccess, serveStaleAndResetExpiry, now)
			}
			if resp != nil {
				m.metrics.hit.Inc()
				return resp
			}
			// Upstream zone had DNSSEC disabled but DO was set: pretend
			// we know nothing and hand out the delegation instead.
			abandonToDelegation = true
		}
	}

	if !answered && !abandonToDelegation && closest != nil && closest.Name() != req.qname {
		if resp = m.dnameResponse(req, closest, serveStaleAndResetExpiry, now); resp != nil {
			m.metrics.hit.Inc()
			return resp
		}
	}

	if findClosestNameServers {
		if resp = m.delegationResponse(req, now, true); resp != nil {
			m.metrics.hit.Inc()
			return resp
		}
	}

	m.metrics.miss.Inc()
	return nil
}

// QueryClosestDelegation returns the deepest cached referral covering the
// question name, nil if none is cached.
func (m *Manager) QueryClosestDelegation(msg *dns.Msg) *dns.Msg {
	req, ok := newRequest(msg)
	if !ok {
		return nil
	}
	return m.delegationResponse(req, timeNow().Unix(), false)
}

// chaseCNAMEs extends answers hop by hop while the tail is a CNAME and the
// question asks for something else. The chase stops on self targets,
// already seen targets, a cache miss, or after maxCNAMEHops.
func (m *Manager) chaseCNAMEs(answers []*Record, qtype uint16, serveStale bool, ecs netip.Addr) []*Record {
	if qtype == dns.TypeCNAME || qtype == dns.TypeANY {
		return answers
	}
	out := append([]*Record(nil), answers...)
	tree := m.tree.Load()

	for hops := 0; hops < maxCNAMEHops; hops++ {
		tail := out[len(out)-1]
		cn, ok := tail.rr.(*dns.CNAME)
		if !ok {
			break
		}
		target := dns.CanonicalName(cn.Target)
		if target == tail.Name() {
			break
		}
		z := tree.TryGet(target)
		if z == nil {
			break
		}
		next := z.QueryRecords(qtype, serveStale, false, ecs, false)
		if len(next) == 0 {
			break
		}
		if cnameCycle(out, next) {
			break
		}
		out = append(out, next...)
	}
	return out
}

// cnameCycle reports whether next would revisit a CNAME target that is
// already part of the accumulated answer.
func cnameCycle(acc, next []*Record) bool {
	for _, nr := range next {
		ncn, ok := nr.rr.(*dns.CNAME)
		if !ok {
			continue
		}
		for _, ar := range acc {
			acn, ok := ar.rr.(*dns.CNAME)
			if !ok {
				continue
			}
			if dnsutils.EqualNames(acn.Target, ncn.Target) {
				return true
			}
		}
	}
	return false
}

// buildAnswerResponse assembles the positive response for answers. Returns
// nil when DO was set and the answer carries DNSSEC disabled records,
// signaling the caller to fall back to a delegation.
func (m *Manager) buildAnswerResponse(req request, answers []*Record, rcode int, resetStale bool, now int64) *dns.Msg {
	if req.do && anyDisabled(answers) {
		return nil
	}
	serveStale := m.serveStale()

	final := answers
	var authority []*Record
	if req.do {
		final = make([]*Record, 0, len(answers)*2)
		for _, r := range answers {
			final = append(final, r)
			info := r.readInfo()
			final = append(final, info.RRSIGs...)
			for _, sig := range info.RRSIGs {
				s, ok := sig.rr.(*dns.RRSIG)
				if !ok || !dnsutils.IsWildcardExpanded(s) {
					continue
				}
				// Wildcard expansion needs the denial proof for the
				// explicit name alongside the answer.
				authority = append(authority, info.NSECs...)
				for _, nsec := range info.NSECs {
					authority = append(authority, nsec.readInfo().RRSIGs...)
				}
			}
		}
	}

	var additional []*Record
	switch req.question.Qtype {
	case dns.TypeNS, dns.TypeMX, dns.TypeSRV, dns.TypeSVCB, dns.TypeHTTPS:
		additional = m.additionalRecords(answers, req.do, serveStale, req.ecsAddr, now)
	}

	if resetStale {
		for _, r := range final {
			r.ResetExpiry(now)
		}
		for _, r := range additional {
			r.ResetExpiry(now)
		}
	}
	var opts []dns.EDNS0
	if recordsWereReset(final) || recordsWereReset(additional) {
		opts = append(opts, dnsutils.NewEDE(dns.ExtendedErrorCodeStaleAnswer, ""))
		m.metrics.stale.Inc()
	}

	if req.ecsOpt != nil {
		var scope uint8
		for _, r := range answers {
			if p := r.readInfo().ECSScope; p.IsValid() && uint8(p.Bits()) > scope {
				scope = uint8(p.Bits())
			}
		}
		opts = append(opts, dnsutils.EchoECS(req.ecsOpt, scope))
	}

	resp := new(dns.Msg)
	resp.SetRcode(req.msg, rcode)
	resp.RecursionAvailable = true
	resp.CheckingDisabled = req.cd
	resp.AuthenticatedData = answers[0].Status() == StatusSecure
	appendSection(&resp.Answer, final, now)
	appendSection(&resp.Ns, authority, now)
	appendSection(&resp.Extra, additional, now)
	dnsutils.SetEDNS0(resp, m.server.UDPPayloadSize(), req.do, opts)
	return resp
}

// specialResponse serves a cached negative/failure sentinel. Returns nil
// when DO was set and the cached authority carries DNSSEC disabled
// records.
func (m *Manager) specialResponse(req request, head *Record, resetStale bool, now int64) *dns.Msg {
	sp := head.Special()
	if req.do && anyDisabled(sp.Authority) {
		return nil
	}

	if resetStale && head.IsStale(now) {
		head.ResetExpiry(now)
		for _, r := range sp.Authority {
			r.ResetExpiry(now)
		}
	}

	opts := append([]dns.EDNS0(nil), sp.Options...)
	if head.WasExpiryReset() {
		code := uint16(dns.ExtendedErrorCodeStaleAnswer)
		if sp.OrigRCode == dns.RcodeNameError {
			code = dns.ExtendedErrorCodeStaleNXDOMAINAnswer
		}
		opts = append(opts, dnsutils.NewEDE(code, ""))
		m.metrics.stale.Inc()
	}
	if p := head.readInfo().ECSScope; req.ecsOpt != nil && p.IsValid() {
		opts = append(opts, dnsutils.EchoECS(req.ecsOpt, uint8(p.Bits())))
	}

	resp := new(dns.Msg)
	resp.SetRcode(req.msg, sp.RCode)
	resp.RecursionAvailable = true
	resp.CheckingDisabled = req.cd
	if req.do {
		// With CD the sections reflect the upstream result verbatim;
		// either way the original sections are what DO clients get.
		resp.AuthenticatedData = sp.Kind == KindNegativeCache
		appendSection(&resp.Answer, sp.Answer, now)
		appendSection(&resp.Ns, sp.Authority, now)
		appendSection(&resp.Extra, sp.Additional, now)
	} else {
		appendSection(&resp.Answer, stripDNSSEC(sp.Answer), now)
		appendSection(&resp.Ns, sp.PlainAuthority, now)
		appendSection(&resp.Extra, stripDNSSEC(sp.Additional), now)
	}
	dnsutils.SetEDNS0(resp, m.server.UDPPayloadSize(), req.do, opts)
	return resp
}

// dnameResponse synthesizes the CNAME for a question below a cached DNAME
// owner. The synthesized record is never cached.
func (m *Manager) dnameResponse(req request, closest *Zone, resetStale bool, now int64) *dns.Msg {
	serveStale := m.serveStale()
	drs := keepType(closest.QueryRecords(dns.TypeDNAME, serveStale, false, req.ecsAddr, false), dns.TypeDNAME)
	if len(drs) == 0 {
		return nil
	}
	dr := drs[0]
	dn := dr.rr.(*dns.DNAME)
	owner := dr.Name()
	if !dnsutils.IsSubDomain(owner, req.qname) {
		return nil
	}

	substituted := req.qname[:len(req.qname)-len(owner)] + dns.CanonicalName(dn.Target)
	if _, ok := dns.IsDomainName(substituted); !ok {
		// Substitution overflowed the name length limit.
		return m.buildAnswerResponse(req, []*Record{dr}, dns.RcodeYXDomain, resetStale, now)
	}

	synth := NewRecord(&dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   req.qname,
			Rrtype: dns.TypeCNAME,
			Class:  dns.ClassINET,
			Ttl:    dr.remainingTTL(now),
		},
		Target: substituted,
	}, dr.Status())

	answers := m.chaseCNAMEs([]*Record{dr, synth}, req.question.Qtype, serveStale, req.ecsAddr)
	return m.buildAnswerResponse(req, answers, dns.RcodeSuccess, resetStale, now)
}

// delegationResponse walks up from the question name and returns the
// deepest usable cached referral. For DS questions the walk starts at the
// parent: DS lives in the parent zone.
func (m *Manager) delegationResponse(req request, now int64, reparentDS bool) *dns.Msg {
	serveStale := m.serveStale()
	tree := m.tree.Load()

	name := req.qname
	if reparentDS && req.question.Qtype == dns.TypeDS {
		p, ok := m.parentZone(name)
		if !ok {
			return nil
		}
		name = p
	}

	for {
		_, _, delegation := tree.FindZone(name, now, serveStale)
		if delegation == nil || delegation.Name() == "." {
			return nil
		}
		ns := keepType(delegation.QueryRecords(dns.TypeNS, serveStale, false, req.ecsAddr, false), dns.TypeNS)
		if len(ns) == 0 || (req.do && allDisabled(ns)) {
			p, ok := m.parentZone(delegation.Name())
			if !ok {
				return nil
			}
			name = p
			continue
		}

		authority := append([]*Record(nil), ns...)
		if req.do {
			m.addDSRecordsTo(delegation, ns, &authority, serveStale, req.ecsAddr)
		}
		additional := m.additionalRecords(ns, req.do, serveStale, req.ecsAddr, now)

		resp := new(dns.Msg)
		resp.SetRcode(req.msg, dns.RcodeSuccess)
		resp.RecursionAvailable = true
		resp.CheckingDisabled = req.cd
		appendSection(&resp.Ns, authority, now)
		appendSection(&resp.Extra, additional, now)
		dnsutils.SetEDNS0(resp, m.server.UDPPayloadSize(), req.do, nil)
		return resp
	}
}

// addDSRecordsTo appends the delegation's DS set to the authority, or the
// NSEC companions of the first NS record as the proof there is none.
func (m *Manager) addDSRecordsTo(z *Zone, ns []*Record, authority *[]*Record, serveStale bool, ecs netip.Addr) {
	ds := keepType(z.QueryRecords(dns.TypeDS, serveStale, false, ecs, false), dns.TypeDS)
	if len(ds) > 0 {
		*authority = append(*authority, ds...)
		for _, d := range ds {
			*authority = append(*authority, d.readInfo().RRSIGs...)
		}
		return
	}
	nsecs := ns[0].readInfo().NSECs
	*authority = append(*authority, nsecs...)
	for _, n := range nsecs {
		*authority = append(*authority, n.readInfo().RRSIGs...)
	}
}

// additionalRecords builds the additional section for reference records
// whose rdata points at other names (NS, MX, SRV, SVCB, HTTPS).
func (m *Manager) additionalRecords(refs []*Record, do, serveStale bool, ecs netip.Addr, now int64) []*Record {
	var out []*Record
	for _, ref := range refs {
		info := ref.readInfo()
		if g := usableGlue(info.Glue, now); len(g) > 0 {
			for _, gr := range g {
				out = append(out, gr)
				if do {
					out = append(out, gr.readInfo().RRSIGs...)
				}
			}
			continue
		}

		switch rr := ref.rr.(type) {
		case *dns.NS:
			m.fetchAddresses(rr.Ns, &out, do, serveStale, ecs)
		case *dns.MX:
			m.fetchAddresses(rr.Mx, &out, do, serveStale, ecs)
		case *dns.SRV:
			m.fetchAddresses(rr.Target, &out, do, serveStale, ecs)
		case *dns.SVCB:
			m.addServiceBinding(ref, rr, &out, do, serveStale, ecs)
		case *dns.HTTPS:
			m.addServiceBinding(ref, &rr.SVCB, &out, do, serveStale, ecs)
		}
	}
	return out
}

// addServiceBinding resolves one SVCB/HTTPS reference. AliasMode chains
// are walked record by record, ServiceMode targets resolve to addresses.
// A "." target means "unavailable" in AliasMode and "the owner itself" in
// ServiceMode (RFC 9460).
func (m *Manager) addServiceBinding(ref *Record, svcb *dns.SVCB, out *[]*Record, do, serveStale bool, ecs netip.Addr) {
	owner := ref.Name()
	target := dns.CanonicalName(svcb.Target)

	if svcb.Priority > 0 {
		if target == "." {
			target = owner
		}
		m.fetchAddresses(target, out, do, serveStale, ecs)
		return
	}

	// AliasMode.
	if target == "." || target == owner {
		return
	}
	tree := m.tree.Load()
	qtype := ref.Type()
	for hops := 0; hops < maxCNAMEHops; hops++ {
		z := tree.TryGet(target)
		var rs []*Record
		if z != nil {
			rs = keepType(z.QueryRecords(qtype, serveStale, false, ecs, false), qtype)
		}
		if len(rs) == 0 {
			m.fetchAddresses(target, out, do, serveStale, ecs)
			return
		}
		if containsOwner(*out, rs[0].Name()) {
			return
		}
		for _, r := range rs {
			*out = append(*out, r)
			if do {
				*out = append(*out, r.readInfo().RRSIGs...)
			}
		}
		head := rs[0]
		next := asSVCB(head.rr)
		if next == nil {
			return
		}
		nt := dns.CanonicalName(next.Target)
		if next.Priority == 0 {
			if nt == "." || nt == head.Name() {
				return
			}
			target = nt
			continue
		}
		if nt == "." {
			nt = head.Name()
		}
		m.fetchAddresses(nt, out, do, serveStale, ecs)
		return
	}
}

// fetchAddresses appends the cached A/AAAA sets of name, following cached
// CNAMEs up to maxCNAMEHops.
func (m *Manager) fetchAddresses(name string, out *[]*Record, do, serveStale bool, ecs netip.Addr) {
	tree := m.tree.Load()
	name = dns.CanonicalName(name)
	seen := make(map[string]struct{}, 4)

	for hops := 0; hops < maxCNAMEHops; hops++ {
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}

		z := tree.TryGet(name)
		if z == nil {
			return
		}
		added := false
		var cnameTarget string
		for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
			rs := z.QueryRecords(qtype, serveStale, false, ecs, false)
			for _, r := range rs {
				if r.Type() == qtype {
					*out = append(*out, r)
					added = true
					if do {
						*out = append(*out, r.readInfo().RRSIGs...)
					}
				} else if cn, ok := r.rr.(*dns.CNAME); ok {
					cnameTarget = dns.CanonicalName(cn.Target)
				}
			}
		}
		if added || cnameTarget == "" {
			return
		}
		name = cnameTarget
	}
}

func asSVCB(rr dns.RR) *dns.SVCB {
	switch v := rr.(type) {
	case *dns.SVCB:
		return v
	case *dns.HTTPS:
		return &v.SVCB
	}
	return nil
}

func usableGlue(glue []*Record, now int64) []*Record {
	var out []*Record
	for _, g := range glue {
		if !g.IsStale(now) {
			out = append(out, g)
		}
	}
	return out
}

func containsOwner(rs []*Record, owner string) bool {
	for _, r := range rs {
		if r.Name() == owner {
			return true
		}
	}
	return false
}

func anyDisabled(rs []*Record) bool {
	for _, r := range rs {
		if r.Status() == StatusDisabled {
			return true
		}
	}
	return false
}

// allDisabled reports whether every record is DNSSEC disabled. A referral
// is only skipped for its parent when the whole NS set is disabled; a
// mixed set still serves.
func allDisabled(rs []*Record) bool {
	for _, r := range rs {
		if r.Status() != StatusDisabled {
			return false
		}
	}
	return len(rs) > 0
}

func recordsWereReset(rs []*Record) bool {
	for _, r := range rs {
		if r.WasExpiryReset() {
			return true
		}
	}
	return false
}

func keepType(rs []*Record, qtype uint16) []*Record {
	out := rs[:0:0]
	for _, r := range rs {
		if !r.IsSpecial() && r.Type() == qtype {
			out = append(out, r)
		}
	}
	return out
}

func stripDNSSEC(rs []*Record) []*Record {
	out := rs[:0:0]
	for _, r := range rs {
		switch r.Type() {
		case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeDNSKEY:
		default:
			out = append(out, r)
		}
	}
	return out
}

func appendSection(dst *[]dns.RR, rs []*Record, now int64) {
	for _, r := range rs {
		if r.rr == nil {
			continue
		}
		*dst = append(*dst, r.answerRR(now))
	}
}
