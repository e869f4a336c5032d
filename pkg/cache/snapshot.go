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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	// SnapshotFile is the cache snapshot file name inside the config dir.
	SnapshotFile = "cache.bin"

	snapshotVersion = 1

	// maxListLen bounds every length prefix read from a snapshot. Counts
	// beyond it mean the payload is garbage.
	maxListLen = 1 << 20
)

var snapshotMagic = [2]byte{'C', 'Z'}

// SaveSnapshot writes the whole cache to SnapshotFile in the config dir.
// Empty zones are skipped. The cache stays queryable during the save;
// each zone is written under its own read lock.
func (m *Manager) SaveSnapshot() error {
	path := filepath.Join(m.server.ConfigDir(), SnapshotFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write([]byte{snapshotMagic[0], snapshotMagic[1], snapshotVersion}); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}

	zones := 0
	m.tree.Load().Range(func(z *Zone) bool {
		if z.IsEmpty() {
			return true
		}
		if err = z.writeTo(w); err != nil {
			return false
		}
		zones++
		return true
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	m.logger.Info("cache snapshot saved", zap.String("path", path), zap.Int("zones", zones))
	return nil
}

// LoadSnapshot reads SnapshotFile back into the cache. A corrupt payload
// aborts the load with the cache left as populated so far.
func (m *Manager) LoadSnapshot() error {
	path := filepath.Join(m.server.ConfigDir(), SnapshotFile)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: short header", ErrCorruptSnapshot)
	}
	if hdr[0] != snapshotMagic[0] || hdr[1] != snapshotMagic[1] {
		return fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	if hdr[2] != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, hdr[2])
	}

	tree := m.tree.Load()
	zones, total := 0, 0
	for {
		z, entries, err := readZone(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read snapshot zone: %w", err)
		}
		if entries == 0 {
			continue
		}
		inserted := false
		tree.GetOrAdd(z.Name(), func(string) *Zone {
			inserted = true
			return z
		})
		if inserted {
			zones++
			total += entries
		}
	}
	m.addEntries(total)
	m.logger.Info("cache snapshot loaded",
		zap.String("path", path), zap.Int("zones", zones), zap.Int("entries", total))
	return nil
}

// writeTo encodes the zone. Format: owner name, then per rrtype its
// variant list with scope key, last used stamp and records.
func (z *Zone) writeTo(w *bufio.Writer) error {
	z.mu.RLock()
	defer z.mu.RUnlock()

	if err := writeString(w, z.name); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(len(z.entries))); err != nil {
		return err
	}
	for qtype, s := range z.entries {
		if err := writeUvarint(w, uint64(qtype)); err != nil {
			return err
		}
		if err := writeUvarint(w, uint64(len(s.variants))); err != nil {
			return err
		}
		for _, v := range s.variants {
			if err := writeScope(w, v.scope, v.condFwd); err != nil {
				return err
			}
			if err := writeUvarint(w, uint64(v.lastUsed.Load())); err != nil {
				return err
			}
			if err := writeRecords(w, v.records); err != nil {
				return err
			}
		}
	}
	return nil
}

// readZone decodes one zone. io.EOF on the owner name means a clean end
// of the snapshot; running out of input anywhere later in the zone is
// reported as io.ErrUnexpectedEOF.
func readZone(r *bufio.Reader) (_ *Zone, _ int, err error) {
	name, err := readString(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	defer func() {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
	}()
	z := NewZone(name)

	setCount, err := readLen(r)
	if err != nil {
		return nil, 0, err
	}
	entries := 0
	for i := 0; i < setCount; i++ {
		qtype, err := readUvarint(r)
		if err != nil {
			return nil, 0, err
		}
		variantCount, err := readLen(r)
		if err != nil {
			return nil, 0, err
		}
		s := new(entrySet)
		for j := 0; j < variantCount; j++ {
			scope, condFwd, err := readScope(r)
			if err != nil {
				return nil, 0, err
			}
			lastUsed, err := readUvarint(r)
			if err != nil {
				return nil, 0, err
			}
			records, err := readRecords(r)
			if err != nil {
				return nil, 0, err
			}
			if len(records) == 0 {
				continue
			}
			v := &scopedVariant{scope: scope, condFwd: condFwd, records: records}
			v.lastUsed.Store(int64(lastUsed))
			s.variants = append(s.variants, v)
			entries++
		}
		if s.size() > 0 {
			z.entries[uint16(qtype)] = s
		}
	}
	return z, entries, nil
}

const (
	recNormal  = 0
	recSpecial = 1
)

func writeRecords(w *bufio.Writer, rs []*Record) error {
	if err := writeUvarint(w, uint64(len(rs))); err != nil {
		return err
	}
	for _, r := range rs {
		if err := writeRecord(w, r); err != nil {
			return err
		}
	}
	return nil
}

func readRecords(r *bufio.Reader) ([]*Record, error) {
	n, err := readLen(r)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := readRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func writeRecord(w *bufio.Writer, rec *Record) error {
	kind := byte(recNormal)
	if rec.IsSpecial() {
		kind = recSpecial
	}
	if err := w.WriteByte(kind); err != nil {
		return err
	}
	if err := w.WriteByte(byte(rec.status)); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(rec.receivedAt)); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(rec.expiresAt.Load())); err != nil {
		return err
	}
	if err := writeBool(w, rec.wasReset.Load()); err != nil {
		return err
	}

	if kind == recSpecial {
		return writeSpecial(w, rec)
	}

	wire, err := packRR(rec.rr)
	if err != nil {
		return err
	}
	if err := writeBytes(w, wire); err != nil {
		return err
	}

	info := rec.readInfo()
	for _, list := range [...][]*Record{info.Glue, info.RRSIGs, info.NSECs} {
		if err := writeRecords(w, list); err != nil {
			return err
		}
	}
	if err := writeScope(w, info.ECSScope, info.CondForwarder); err != nil {
		return err
	}
	return nil
}

func readRecord(r *bufio.Reader) (*Record, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	statusB, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	receivedAt, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	expiresAt, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	wasReset, err := readBool(r)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		status:     DNSSECStatus(statusB),
		receivedAt: int64(receivedAt),
	}
	rec.expiresAt.Store(int64(expiresAt))
	rec.wasReset.Store(wasReset)

	if kind == recSpecial {
		if err := readSpecial(r, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	if kind != recNormal {
		return nil, fmt.Errorf("%w: unknown record kind %d", ErrCorruptSnapshot, kind)
	}

	wire, err := readBytesLim(r)
	if err != nil {
		return nil, err
	}
	rr, _, err := dns.UnpackRR(wire, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	rec.rr = rr

	var lists [3][]*Record
	for i := range lists {
		if lists[i], err = readRecords(r); err != nil {
			return nil, err
		}
	}
	scope, condFwd, err := readScope(r)
	if err != nil {
		return nil, err
	}
	if len(lists[0])+len(lists[1])+len(lists[2]) > 0 || scope.IsValid() || condFwd {
		info := rec.Info()
		info.Glue, info.RRSIGs, info.NSECs = lists[0], lists[1], lists[2]
		info.ECSScope = scope
		info.CondForwarder = condFwd
	}
	return rec, nil
}

func writeSpecial(w *bufio.Writer, rec *Record) error {
	sp := rec.special
	if err := writeString(w, rec.owner); err != nil {
		return err
	}
	if err := w.WriteByte(byte(sp.Kind)); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(sp.RCode)); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(sp.OrigRCode)); err != nil {
		return err
	}
	for _, list := range [...][]*Record{sp.Answer, sp.Authority, sp.Additional, sp.PlainAuthority} {
		if err := writeRecords(w, list); err != nil {
			return err
		}
	}
	// EDNS0 options ride in a packed OPT record.
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.Option = sp.Options
	wire, err := packRR(opt)
	if err != nil {
		return err
	}
	return writeBytes(w, wire)
}

func readSpecial(r *bufio.Reader, rec *Record) error {
	owner, err := readString(r)
	if err != nil {
		return err
	}
	kindB, err := r.ReadByte()
	if err != nil {
		return err
	}
	rcode, err := readUvarint(r)
	if err != nil {
		return err
	}
	origRcode, err := readUvarint(r)
	if err != nil {
		return err
	}
	sp := &SpecialPayload{
		Kind:      SpecialKind(kindB),
		RCode:     int(rcode),
		OrigRCode: int(origRcode),
	}
	for _, dst := range [...]*[]*Record{&sp.Answer, &sp.Authority, &sp.Additional, &sp.PlainAuthority} {
		if *dst, err = readRecords(r); err != nil {
			return err
		}
	}
	wire, err := readBytesLim(r)
	if err != nil {
		return err
	}
	rr, _, err := dns.UnpackRR(wire, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if opt, ok := rr.(*dns.OPT); ok {
		sp.Options = opt.Option
	}
	rec.owner = owner
	rec.special = sp
	return nil
}

// packRR packs a single record in wire format without name compression.
func packRR(rr dns.RR) ([]byte, error) {
	size := 512
	for {
		buf := make([]byte, size)
		off, err := dns.PackRR(rr, buf, 0, nil, false)
		if err == nil {
			return buf[:off], nil
		}
		if !errors.Is(err, dns.ErrBuf) || size > dns.MaxMsgSize {
			return nil, err
		}
		size *= 4
	}
}

// --- primitive encoding helpers ---

func writeUvarint(w *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(r *bufio.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func readLen(r *bufio.Reader) (int, error) {
	v, err := readUvarint(r)
	if err != nil {
		return 0, err
	}
	if v > maxListLen {
		return 0, fmt.Errorf("%w: implausible length %d", ErrCorruptSnapshot, v)
	}
	return int(v), nil
}

func writeBytes(w *bufio.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytesLim(r *bufio.Reader) ([]byte, error) {
	n, err := readLen(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeString(w *bufio.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r *bufio.Reader) (string, error) {
	b, err := readBytesLim(r)
	return string(b), err
}

func writeBool(w *bufio.Writer, v bool) error {
	if v {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

func readBool(r *bufio.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func writeScope(w *bufio.Writer, p netip.Prefix, condFwd bool) error {
	if !p.IsValid() {
		return w.WriteByte(0)
	}
	if err := w.WriteByte(1); err != nil {
		return err
	}
	addr := p.Addr().AsSlice()
	if err := writeBytes(w, addr); err != nil {
		return err
	}
	if err := w.WriteByte(byte(p.Bits())); err != nil {
		return err
	}
	return writeBool(w, condFwd)
}

func readScope(r *bufio.Reader) (netip.Prefix, bool, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return netip.Prefix{}, false, err
	}
	if flag == 0 {
		return netip.Prefix{}, false, nil
	}
	addrB, err := readBytesLim(r)
	if err != nil {
		return netip.Prefix{}, false, err
	}
	addr, ok := netip.AddrFromSlice(addrB)
	if !ok {
		return netip.Prefix{}, false, fmt.Errorf("%w: bad scope address", ErrCorruptSnapshot)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return netip.Prefix{}, false, err
	}
	condFwd, err := readBool(r)
	if err != nil {
		return netip.Prefix{}, false, err
	}
	p := netip.PrefixFrom(addr, int(bits))
	if !p.IsValid() {
		return netip.Prefix{}, false, fmt.Errorf("%w: bad scope prefix", ErrCorruptSnapshot)
	}
	return p, condFwd, nil
}
