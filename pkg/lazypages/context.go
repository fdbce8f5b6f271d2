package lazypages

import (
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/globals"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
	"github.com/fortiblox/X1-Lazypages/pkg/pagestore"
)

// AccessKind is the kind of an explicit host function access.
type AccessKind uint8

const (
	// AccessRead is a read-only access.
	AccessRead AccessKind = iota + 1

	// AccessReadWrite is an access that writes.
	AccessReadWrite
)

// String implements fmt.Stringer.
func (k AccessKind) String() string {
	if k == AccessReadWrite {
		return "rw"
	}
	return "r"
}

// AccessedPage is a page touched by a host function.
type AccessedPage struct {
	Page pages.GearPage
	Kind AccessKind
}

// releasedPage is a page made accessible during the execution.
type releasedPage struct {
	// old is the page content installed on release.
	old []byte

	// written is set once the page is writable.
	written bool
}

// execContext is the per execution page registry.
type execContext struct {
	stackEnd pages.GearPage
	prefix   *pagestore.Prefix
	globals  globals.Context
	weights  Weights
	status   Status

	// fatal is the first fault-time error. Once set every access fails with it.
	fatal error

	lazy     map[pages.GearPage]struct{}
	released map[pages.GearPage]*releasedPage
	accessed map[pages.GearPage]AccessKind

	readCharged  map[pages.GearPage]struct{}
	writeCharged map[pages.GearPage]struct{}
	loadCharged  map[pages.GearPage]struct{}
}

func newExecContext() *execContext {
	return &execContext{
		lazy:         make(map[pages.GearPage]struct{}),
		released:     make(map[pages.GearPage]*releasedPage),
		accessed:     make(map[pages.GearPage]AccessKind),
		readCharged:  make(map[pages.GearPage]struct{}),
		writeCharged: make(map[pages.GearPage]struct{}),
		loadCharged:  make(map[pages.GearPage]struct{}),
	}
}

// markCharged adds p to set and reports whether it was absent.
func markCharged(set map[pages.GearPage]struct{}, p pages.GearPage) bool {
	if _, ok := set[p]; ok {
		return false
	}
	set[p] = struct{}{}
	return true
}

// accessCost returns the cost of the access to p not charged yet.
func (c *execContext) accessCost(p pages.GearPage, isWrite bool, costs accessCosts) uint64 {
	if isWrite {
		if !markCharged(c.writeCharged, p) {
			return 0
		}
		if _, read := c.readCharged[p]; read {
			return costs.writeAfterRead
		}
		return costs.write
	}
	if markCharged(c.readCharged, p) {
		return costs.read
	}
	return 0
}

// loadCost returns the storage load cost of p if not charged yet.
func (c *execContext) loadCost(p pages.GearPage, costs accessCosts) uint64 {
	if markCharged(c.loadCharged, p) {
		return costs.load
	}
	return 0
}

func (c *execContext) recordAccess(p pages.GearPage, kind AccessKind) {
	if c.accessed[p] < kind {
		c.accessed[p] = kind
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}
