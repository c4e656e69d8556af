// Package menu holds the immutable conversation menu graph.
// The registry is loaded once at startup and is read-only afterwards,
// so concurrent lookups need no synchronization.
package menu

import (
	"errors"
	"fmt"
)

// Well-known sentinel targets that are valid without a backing node.
const (
	TargetBack   = "back"
	TargetRoot   = "root"
	TargetCancel = "cancel"
)

// RootID is the entry node every menu graph must define.
const RootID = "root"

// ErrNodeNotFound is returned by Resolve for unknown node ids.
var ErrNodeNotFound = errors.New("menu: node not found")

// Option is a single labeled transition out of a node.
// A non-empty Action marks the option as media-consuming: selecting it
// puts the session into the awaiting-media state and Target becomes the
// node reached after the media job succeeds.
type Option struct {
	Label  string `yaml:"label"`
	Target string `yaml:"target"`
	Action string `yaml:"action,omitempty"`
}

// Node is one point in the navigable menu graph.
type Node struct {
	ID       string   `yaml:"id"`
	Prompt   string   `yaml:"prompt"`
	Options  []Option `yaml:"options,omitempty"`
	Terminal bool     `yaml:"terminal,omitempty"`
}

// Registry is the immutable menu graph.
type Registry struct {
	nodes map[string]*Node
}

// NewRegistry builds a registry from the given nodes. Duplicate ids and a
// missing root node are construction errors; structural problems beyond that
// are reported by Validate.
func NewRegistry(nodes []Node) (*Registry, error) {
	m := make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("menu: node %d has empty id", i)
		}
		if IsSentinel(n.ID) && n.ID != RootID {
			return nil, fmt.Errorf("menu: node id %q collides with a sentinel", n.ID)
		}
		if _, exists := m[n.ID]; exists {
			return nil, fmt.Errorf("menu: duplicate node id %q", n.ID)
		}
		m[n.ID] = &n
	}
	if _, ok := m[RootID]; !ok {
		return nil, fmt.Errorf("menu: root node %q is missing", RootID)
	}
	return &Registry{nodes: m}, nil
}

// IsSentinel reports whether id is one of the well-known sentinel targets.
func IsSentinel(id string) bool {
	switch id {
	case TargetBack, TargetRoot, TargetCancel:
		return true
	}
	return false
}

// Resolve returns the node for id or ErrNodeNotFound.
func (r *Registry) Resolve(id string) (*Node, error) {
	if n, ok := r.nodes[id]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
}

// Root returns the root node.
func (r *Registry) Root() *Node {
	return r.nodes[RootID]
}

// Len returns the number of nodes in the graph.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Validate checks the graph structure and returns all problems found:
// dangling option targets, nodes unreachable from root, and a root from
// which no terminal node can be reached (which would trap users forever).
// Cycles among non-terminal nodes are allowed for loop-back submenus.
func (r *Registry) Validate() []error {
	var errs []error

	for _, n := range r.nodes {
		for _, opt := range n.Options {
			if opt.Target == "" {
				errs = append(errs, fmt.Errorf("menu: node %q option %q has empty target", n.ID, opt.Label))
				continue
			}
			if IsSentinel(opt.Target) {
				continue
			}
			if _, ok := r.nodes[opt.Target]; !ok {
				errs = append(errs, fmt.Errorf("menu: node %q option %q targets unknown node %q", n.ID, opt.Label, opt.Target))
			}
		}
		if n.Terminal && len(n.Options) > 0 {
			errs = append(errs, fmt.Errorf("menu: terminal node %q declares options", n.ID))
		}
	}

	reachable := r.reachableFrom(RootID)
	for id := range r.nodes {
		if _, ok := reachable[id]; !ok {
			errs = append(errs, fmt.Errorf("menu: node %q is unreachable from root", id))
		}
	}

	terminalReachable := false
	for id := range reachable {
		if n, ok := r.nodes[id]; ok && n.Terminal {
			terminalReachable = true
			break
		}
	}
	if !terminalReachable {
		errs = append(errs, errors.New("menu: no terminal node is reachable from root"))
	}

	return errs
}

func (r *Registry) reachableFrom(start string) map[string]struct{} {
	seen := make(map[string]struct{}, len(r.nodes))
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		n, ok := r.nodes[id]
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		for _, opt := range n.Options {
			target := opt.Target
			if target == TargetRoot {
				target = RootID
			}
			if IsSentinel(target) {
				continue
			}
			queue = append(queue, target)
		}
	}
	return seen
}
