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
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/00mjk/DnsServer/pkg/dnsutils"
)

const (
	// FailureRecordTTL is the ttl for cached upstream failures.
	FailureRecordTTL = 60
	// NegativeRecordTTL is the ttl for cached negative answers.
	NegativeRecordTTL = 300
	// MinimumRecordTTL and MaximumRecordTTL clamp every incoming ttl.
	MinimumRecordTTL = 10
	MaximumRecordTTL = 604800
	// ServeStaleTTL extends the apparent lifetime of a record past its
	// expiry (RFC 8767).
	ServeStaleTTL = 259200
	// staleResetTTL is the one-shot expiry extension applied when a stale
	// record is served.
	staleResetTTL = 30

	maxCNAMEHops = 16
)

// TypeSpecial is the synthetic rrtype that special cache records are stored
// under. The value is from the private use range (RFC 6895) and never
// appears on the wire.
const TypeSpecial uint16 = 0xFF00

// timeNow is swapped out in tests.
var timeNow = time.Now

// DNSSECStatus is the validation label a record was received with. The
// cache never validates, it only propagates what the resolver attached.
type DNSSECStatus uint8

const (
	StatusUnknown DNSSECStatus = iota
	StatusDisabled
	StatusInsecure
	StatusSecure
	StatusBogus
)

func (s DNSSECStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusDisabled:
		return "disabled"
	case StatusInsecure:
		return "insecure"
	case StatusSecure:
		return "secure"
	case StatusBogus:
		return "bogus"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// SpecialKind tags the flavor of a special cache record.
type SpecialKind uint8

const (
	KindNegativeCache SpecialKind = iota + 1
	KindFailureCache
	KindBlockedCache
)

// SpecialPayload is the rdata of a cached negative or failure response.
// It stands in for a whole upstream response and is matched regardless of
// the queried type.
type SpecialPayload struct {
	Kind      SpecialKind
	RCode     int
	OrigRCode int

	// Original sections as received from upstream.
	Answer     []*Record
	Authority  []*Record
	Additional []*Record

	// PlainAuthority is the authority section with DNSSEC records
	// stripped, served to clients that did not set DO.
	PlainAuthority []*Record

	// Options are the EDNS0 options cached from the upstream response.
	Options []dns.EDNS0
}

func (sp *SpecialPayload) ttl() uint32 {
	if sp.Kind == KindNegativeCache {
		return NegativeRecordTTL
	}
	return FailureRecordTTL
}

// RecordInfo carries the companion metadata attached to a record: glue for
// delegation targets, covering RRSIGs, denial-of-existence proofs and the
// client subnet scope the answer was tailored to.
type RecordInfo struct {
	Glue   []*Record
	RRSIGs []*Record
	NSECs  []*Record

	// ECSScope is the address/scope-prefix the upstream answer was scoped
	// to. The zero Prefix means the record is globally valid.
	ECSScope netip.Prefix

	// CondForwarder marks records obtained through a conditional
	// forwarder, which get their own scope key.
	CondForwarder bool
}

var emptyInfo = new(RecordInfo)

// Record is the cache envelope around one resource record (or one special
// payload). Once published to a zone it is only ever mutated through
// ResetExpiry.
type Record struct {
	rr      dns.RR // nil iff special != nil
	owner   string // canonical; set for special records
	special *SpecialPayload

	status     DNSSECStatus
	receivedAt int64
	expiresAt  atomic.Int64
	wasReset   atomic.Bool

	info *RecordInfo
}

// NewRecord wraps rr into a cache envelope. The owner name is
// canonicalized and the ttl clamped to [MinimumRecordTTL, MaximumRecordTTL].
func NewRecord(rr dns.RR, status DNSSECStatus) *Record {
	rr = dns.Copy(rr)
	hdr := rr.Header()
	hdr.Name = dns.CanonicalName(hdr.Name)
	hdr.Ttl = clampTTL(hdr.Ttl)

	r := &Record{
		rr:         rr,
		status:     status,
		receivedAt: timeNow().Unix(),
	}
	r.expiresAt.Store(r.receivedAt + int64(hdr.Ttl))
	return r
}

// NewSpecialRecord wraps a negative/failure payload for owner. The ttl is
// fixed by the payload kind.
func NewSpecialRecord(owner string, sp *SpecialPayload, status DNSSECStatus) *Record {
	r := &Record{
		owner:      dns.CanonicalName(owner),
		special:    sp,
		status:     status,
		receivedAt: timeNow().Unix(),
	}
	r.expiresAt.Store(r.receivedAt + int64(sp.ttl()))
	return r
}

func clampTTL(ttl uint32) uint32 {
	if ttl < MinimumRecordTTL {
		return MinimumRecordTTL
	}
	if ttl > MaximumRecordTTL {
		return MaximumRecordTTL
	}
	return ttl
}

func (r *Record) Name() string {
	if r.special != nil {
		return r.owner
	}
	return r.rr.Header().Name
}

func (r *Record) Type() uint16 {
	if r.special != nil {
		return TypeSpecial
	}
	return r.rr.Header().Rrtype
}

// RR returns the wrapped record, nil for special records.
func (r *Record) RR() dns.RR { return r.rr }

func (r *Record) IsSpecial() bool { return r.special != nil }

func (r *Record) Special() *SpecialPayload { return r.special }

func (r *Record) Status() DNSSECStatus { return r.status }

func (r *Record) ReceivedAt() int64 { return r.receivedAt }

func (r *Record) ExpiresAt() int64 { return r.expiresAt.Load() }

// IsStale reports whether the record is past its expiry.
func (r *Record) IsStale(now int64) bool {
	return now > r.expiresAt.Load()
}

// IsFullyExpired reports whether the record is past its expiry and past
// the serve stale window.
func (r *Record) IsFullyExpired(now int64) bool {
	return now > r.expiresAt.Load()+ServeStaleTTL
}

// usable reports whether the record may still be served.
func (r *Record) usable(now int64, serveStale bool) bool {
	if !r.IsStale(now) {
		return true
	}
	return serveStale && !r.IsFullyExpired(now)
}

// ResetExpiry extends a stale record's expiry by staleResetTTL, once per
// record. Returns true if the expiry was moved.
func (r *Record) ResetExpiry(now int64) bool {
	if !r.IsStale(now) {
		return false
	}
	if !r.wasReset.CompareAndSwap(false, true) {
		return false
	}
	r.expiresAt.Store(now + staleResetTTL)
	return true
}

// WasExpiryReset reports whether the record was ever served stale.
func (r *Record) WasExpiryReset() bool { return r.wasReset.Load() }

// Info returns the companion metadata, allocating it on first use.
// Mutation is only allowed before the record is published to a zone.
func (r *Record) Info() *RecordInfo {
	if r.info == nil {
		r.info = new(RecordInfo)
	}
	return r.info
}

// readInfo never allocates; it is the query path accessor.
func (r *Record) readInfo() *RecordInfo {
	if r.info == nil {
		return emptyInfo
	}
	return r.info
}

// remainingTTL is the ttl the record is served with.
func (r *Record) remainingTTL(now int64) uint32 {
	d := r.expiresAt.Load() - now
	if d < 0 {
		return 0
	}
	return uint32(d)
}

// answerRR returns a copy of the wrapped record with its ttl set to the
// remaining lifetime.
func (r *Record) answerRR(now int64) dns.RR {
	rr := dns.Copy(r.rr)
	rr.Header().Ttl = r.remainingTTL(now)
	return rr
}

func (r *Record) String() string {
	if r.special != nil {
		return fmt.Sprintf("%s special kind=%d rcode=%d", r.owner, r.special.Kind, r.special.RCode)
	}
	return fmt.Sprintf("%s %s %s", r.Name(), dnsutils.QclassToString(r.rr.Header().Class), dnsutils.QtypeToString(r.Type()))
}
