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

// Package cache implements the in-memory record cache of the recursive
// resolver: a label trie of per owner zones holding ttl bound, client
// subnet scoped record sets, with query assembly (CNAME/DNAME chasing,
// DNSSEC companions, referrals, additional glue), serve stale support,
// capacity eviction and snapshot persistence.
package cache

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/00mjk/DnsServer/pkg/dnsutils"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrCorruptSnapshot = errors.New("corrupt cache snapshot")
)

// ServerView is the slice of the dns server the cache reads its runtime
// settings from.
type ServerView interface {
	ServeStale() bool
	UDPPayloadSize() uint16
	ConfigDir() string
}

// Opts configures a Manager.
type Opts struct {
	Server ServerView

	// ParentZone maps a name to its parent zone. Default strips the
	// leftmost label.
	ParentZone func(name string) (string, bool)

	Logger *zap.Logger

	// MaximumEntries caps the number of cached variants, 0 disables
	// capacity eviction.
	MaximumEntries int
}

// Manager is the cache manager. A single long lived instance is created at
// server start.
type Manager struct {
	server     ServerView
	parentZone func(name string) (string, bool)
	logger     *zap.Logger

	tree atomic.Pointer[Tree]

	totalEntries   atomic.Int64
	maximumEntries atomic.Int64

	metrics metrics
}

func NewManager(opts Opts) (*Manager, error) {
	if opts.Server == nil {
		return nil, errors.New("nil server view")
	}
	if opts.MaximumEntries < 0 {
		return nil, ErrInvalidInput
	}
	if opts.ParentZone == nil {
		opts.ParentZone = dnsutils.ParentZone
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		server:     opts.Server,
		parentZone: opts.ParentZone,
		logger:     opts.Logger,
	}
	m.tree.Store(NewTree())
	m.maximumEntries.Store(int64(opts.MaximumEntries))
	m.initMetrics()
	return m, nil
}

// TotalEntries is the number of cached variants across all zones. It may
// lag slightly behind concurrent mutation but is never negative.
func (m *Manager) TotalEntries() int64 {
	n := m.totalEntries.Load()
	if n < 0 {
		return 0
	}
	return n
}

func (m *Manager) MaximumEntries() int64 {
	return m.maximumEntries.Load()
}

// SetMaximumEntries updates the capacity bound. 0 disables capacity
// eviction, negative values are rejected.
func (m *Manager) SetMaximumEntries(n int) error {
	if n < 0 {
		return ErrInvalidInput
	}
	m.maximumEntries.Store(int64(n))
	return nil
}

// addEntries applies a signed delta to the entry counter. Racing removals
// can double count; whoever observes the counter below zero repairs it
// with one compensating add.
func (m *Manager) addEntries(delta int) {
	if delta == 0 {
		return
	}
	if v := m.totalEntries.Add(int64(delta)); v < 0 {
		m.totalEntries.Add(-v)
	}
}

// Flush drops the entire cache.
func (m *Manager) Flush() {
	m.tree.Store(NewTree())
	m.totalEntries.Store(0)
	m.logger.Info("cache flushed")
}

// DeleteZone removes domain and everything below it.
func (m *Manager) DeleteZone(domain string) {
	removed := m.tree.Load().TryRemoveTree(domain)
	m.addEntries(-removed)
	if removed > 0 {
		m.logger.Info("cache zone deleted", zap.String("domain", domain), zap.Int("entries", removed))
	}
}

// DeleteEDNSClientSubnetData removes every client subnet scoped variant,
// keeping the global ones.
func (m *Manager) DeleteEDNSClientSubnetData() {
	removed := 0
	m.tree.Load().Range(func(z *Zone) bool {
		removed += z.DeleteECSData()
		return true
	})
	m.addEntries(-removed)
	m.logger.Info("client subnet data deleted", zap.Int("entries", removed))
}

// ListSubDomains returns the direct sub domains of domain that hold cached
// data themselves or have cached data below them.
func (m *Manager) ListSubDomains(domain string) []string {
	return m.tree.Load().SubDomains(domain)
}

// ListAllRecords appends every record cached under the zone of domain to
// out.
func (m *Manager) ListAllRecords(domain string, out *[]*Record) {
	z := m.tree.Load().TryGet(domain)
	if z == nil {
		return
	}
	z.ListAllRecords(out)
}

func (m *Manager) serveStale() bool {
	return m.server.ServeStale()
}

// zoneFor returns the zone of owner, creating it if needed.
func (m *Manager) zoneFor(owner string) *Zone {
	return m.tree.Load().GetOrAdd(owner, NewZone)
}
