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
	"sync"

	"github.com/miekg/dns"
)

// Tree is a trie over owner names in label-reversed (authority) order:
// root -> tld -> sld -> ... Every node carries a fine grained lock, so
// lookups for unrelated owners never contend.
type Tree struct {
	root *treeNode
}

type treeNode struct {
	mu       sync.RWMutex
	children map[string]*treeNode
	zone     *Zone
}

func NewTree() *Tree {
	return &Tree{root: new(treeNode)}
}

func splitLabels(name string) []string {
	return dns.SplitDomainName(dns.CanonicalName(name))
}

func (n *treeNode) getZone() *Zone {
	n.mu.RLock()
	z := n.zone
	n.mu.RUnlock()
	return z
}

// child returns the child node for label, creating it when create is set.
func (n *treeNode) child(label string, create bool) *treeNode {
	n.mu.RLock()
	c := n.children[label]
	n.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if c = n.children[label]; c != nil {
		return c
	}
	if n.children == nil {
		n.children = make(map[string]*treeNode)
	}
	c = new(treeNode)
	n.children[label] = c
	return c
}

// GetOrAdd returns the zone for name, calling factory once if it has to be
// created.
func (t *Tree) GetOrAdd(name string, factory func(name string) *Zone) *Zone {
	name = dns.CanonicalName(name)
	labels := splitLabels(name)

	n := t.root
	for i := len(labels) - 1; i >= 0; i-- {
		n = n.child(labels[i], true)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.zone == nil {
		n.zone = factory(name)
	}
	return n.zone
}

// TryGet returns the zone for name, nil if there is none.
func (t *Tree) TryGet(name string) *Zone {
	labels := splitLabels(name)
	n := t.root
	for i := len(labels) - 1; i >= 0; i-- {
		if n = n.child(labels[i], false); n == nil {
			return nil
		}
	}
	return n.getZone()
}

// FindZone walks the path of name from the root down. closest is the
// deepest zone on the path holding any records, delegation the deepest one
// owning a live NS set. Root NS records never count as a delegation:
// priming comes from configuration, not from the cache.
func (t *Tree) FindZone(name string, now int64, serveStale bool) (exact, closest, delegation *Zone) {
	labels := splitLabels(name)

	consider := func(z *Zone) {
		if z == nil {
			return
		}
		if z.TotalEntries() > 0 {
			closest = z
		}
		if z.Name() != "." && z.hasLiveNS(now, serveStale) {
			delegation = z
		}
	}

	n := t.root
	consider(n.getZone())
	for i := len(labels) - 1; i >= 0; i-- {
		c := n.child(labels[i], false)
		if c == nil {
			return nil, closest, delegation
		}
		n = c
		consider(n.getZone())
	}
	return n.getZone(), closest, delegation
}

// TryRemove detaches the zone stored at name. The trie node itself stays;
// it is reused on the next GetOrAdd for the same owner.
func (t *Tree) TryRemove(name string) bool {
	labels := splitLabels(name)
	n := t.root
	for i := len(labels) - 1; i >= 0; i-- {
		if n = n.child(labels[i], false); n == nil {
			return false
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	had := n.zone != nil
	n.zone = nil
	return had
}

// TryRemoveTree detaches the whole subtree at name (the named zone
// included) and returns the number of entries that went with it.
func (t *Tree) TryRemoveTree(name string) (removed int) {
	name = dns.CanonicalName(name)
	labels := splitLabels(name)

	if len(labels) == 0 {
		old := t.root
		t.root = new(treeNode)
		return countEntries(old)
	}

	n := t.root
	for i := len(labels) - 1; i >= 1; i-- {
		if n = n.child(labels[i], false); n == nil {
			return 0
		}
	}

	n.mu.Lock()
	c := n.children[labels[0]]
	delete(n.children, labels[0])
	n.mu.Unlock()
	if c == nil {
		return 0
	}
	return countEntries(c)
}

func countEntries(n *treeNode) (total int) {
	if z := n.getZone(); z != nil {
		total += z.TotalEntries()
	}
	n.mu.RLock()
	kids := make([]*treeNode, 0, len(n.children))
	for _, c := range n.children {
		kids = append(kids, c)
	}
	n.mu.RUnlock()
	for _, c := range kids {
		total += countEntries(c)
	}
	return total
}

// Range enumerates the zones of the tree in depth first order. The view is
// weakly consistent: zones added or removed mid walk may or may not be
// seen, a zone is never yielded twice. Returning false stops the walk.
func (t *Tree) Range(f func(z *Zone) bool) {
	t.root.walk(f)
}

func (n *treeNode) walk(f func(z *Zone) bool) bool {
	if z := n.getZone(); z != nil {
		if !f(z) {
			return false
		}
	}
	n.mu.RLock()
	kids := make([]*treeNode, 0, len(n.children))
	for _, c := range n.children {
		kids = append(kids, c)
	}
	n.mu.RUnlock()
	for _, c := range kids {
		if !c.walk(f) {
			return false
		}
	}
	return true
}

// SubDomains returns the direct sub domain names of name that still lead
// to cached data.
func (t *Tree) SubDomains(name string) []string {
	name = dns.CanonicalName(name)
	labels := splitLabels(name)
	n := t.root
	for i := len(labels) - 1; i >= 0; i-- {
		if n = n.child(labels[i], false); n == nil {
			return nil
		}
	}

	n.mu.RLock()
	type kid struct {
		label string
		node  *treeNode
	}
	kids := make([]kid, 0, len(n.children))
	for label, c := range n.children {
		kids = append(kids, kid{label, c})
	}
	n.mu.RUnlock()

	var out []string
	for _, k := range kids {
		if hasAnyZone(k.node) {
			sub := k.label + "." + name
			if name == "." {
				sub = k.label + "."
			}
			out = append(out, sub)
		}
	}
	return out
}

func hasAnyZone(n *treeNode) bool {
	if n.getZone() != nil {
		return true
	}
	n.mu.RLock()
	kids := make([]*treeNode, 0, len(n.children))
	for _, c := range n.children {
		kids = append(kids, c)
	}
	n.mu.RUnlock()
	for _, c := range kids {
		if hasAnyZone(c) {
			return true
		}
	}
	return false
}
