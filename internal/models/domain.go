package models

import (
	"fmt"
	"strings"
)

// Domain is a semantic field (kinship, farming, weather...). Domains nest
// through ParentID.
type Domain struct {
	ID        string
	ProjectID string
	Name      string
	ParentID  string
}

// DomainTree is an arena of domains addressed by id. Parent links are plain
// ids, so the tree owns every node exactly once.
type DomainTree struct {
	nodes []Domain
	index map[string]int
}

// NewDomainTree indexes domains and rejects unknown parents and cycles.
func NewDomainTree(domains []Domain) (*DomainTree, error) {
	t := &DomainTree{nodes: make([]Domain, 0, len(domains)), index: make(map[string]int, len(domains))}
	for _, d := range domains {
		if d.ID == "" {
			return nil, fmt.Errorf("domain %q has no id", d.Name)
		}
		if _, dup := t.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate domain id %q", d.ID)
		}
		t.index[d.ID] = len(t.nodes)
		t.nodes = append(t.nodes, d)
	}
	for _, d := range t.nodes {
		if d.ParentID == "" {
			continue
		}
		if _, ok := t.index[d.ParentID]; !ok {
			return nil, fmt.Errorf("domain %q references unknown parent %q", d.ID, d.ParentID)
		}
		seen := map[string]bool{d.ID: true}
		for p := d.ParentID; p != ""; p = t.nodes[t.index[p]].ParentID {
			if seen[p] {
				return nil, fmt.Errorf("domain %q is part of a parent cycle", d.ID)
			}
			seen[p] = true
		}
	}
	return t, nil
}

// Get returns the domain with the given id.
func (t *DomainTree) Get(id string) (Domain, bool) {
	if t == nil {
		return Domain{}, false
	}
	i, ok := t.index[id]
	if !ok {
		return Domain{}, false
	}
	return t.nodes[i], true
}

// Ancestors returns the chain from id up to its root, id first.
func (t *DomainTree) Ancestors(id string) []Domain {
	var out []Domain
	for d, ok := t.Get(id); ok; d, ok = t.Get(d.ParentID) {
		out = append(out, d)
	}
	return out
}

// Path renders the root-to-leaf names joined with "/".
func (t *DomainTree) Path(id string) string {
	chain := t.Ancestors(id)
	names := make([]string, len(chain))
	for i, d := range chain {
		names[len(chain)-1-i] = d.Name
	}
	return strings.Join(names, "/")
}

// Within reports whether domain id is name or nested under a domain called name.
// Names compare case-insensitively.
func (t *DomainTree) Within(id, name string) bool {
	for _, d := range t.Ancestors(id) {
		if strings.EqualFold(d.Name, name) {
			return true
		}
	}
	return false
}

// TopDown returns every domain with parents ahead of their children.
func (t *DomainTree) TopDown() []Domain {
	if t == nil {
		return nil
	}
	out := make([]Domain, 0, len(t.nodes))
	placed := make(map[string]bool, len(t.nodes))
	for len(out) < len(t.nodes) {
		for _, d := range t.nodes {
			if !placed[d.ID] && (d.ParentID == "" || placed[d.ParentID]) {
				placed[d.ID] = true
				out = append(out, d)
			}
		}
	}
	return out
}
