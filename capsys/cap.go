// Package capsys implements the kernel's capability system: typed,
// unforgeable handles carrying a permission set over some kernel object,
// installed into process-scoped tables and checked before any privileged
// cross-process operation. The table itself follows the same
// map-plus-mutex shape biscuit's msi vector allocator uses for a small,
// globally-unique id space.
package capsys

import (
	"sync"
	"sync/atomic"

	"limitlessos/defs"
)

// Type names the kind of kernel object a capability refers to.
type Type int

const (
	TypeMemory Type = iota
	TypeIpcEndpoint
	TypeThread
	TypeProcess
	TypeIrq
	TypeIoPort
	TypeDevice
)

// Perm is a bitmask of operations a capability authorizes.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
	PermGrant
	PermRevoke
)

// Subset reports whether every bit in p also appears in other.
func (p Perm) Subset(other Perm) bool {
	return p&^other == 0
}

// Cap is a capability: {id, type, object_id, permissions, metadata}.
// Once created its id/type/object never change; only its
// liveness (tracked by the owning Table) and its permission set (fixed at
// derivation) matter afterward.
type Cap struct {
	Id       defs.CapId_t
	Kind     Type
	ObjectId uint64
	Perms    Perm

	meta map[string]string

	mu    sync.Mutex
	dead  bool
}

// Metadata returns the free-form provenance map attached to this
// capability, creating it on first access. Callers may add entries to
// stash provenance without a second lookup table, per SPEC_FULL.md.
func (c *Cap) Metadata() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta == nil {
		c.meta = make(map[string]string)
	}
	return c.meta
}

func (c *Cap) isDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

func (c *Cap) kill() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

// Table owns the global id space and the per-capability liveness flag.
// grant/revoke act on a *process-local* holder set, modeled here as a
// HolderSet the caller passes in (PROC owns the per-process table; CAP
// only owns identity, liveness, and the derivation rule).
type Table struct {
	mu     sync.Mutex
	nextId uint64
	caps   map[defs.CapId_t]*Cap
}

// NewTable returns an empty capability table.
func NewTable() *Table {
	return &Table{caps: make(map[defs.CapId_t]*Cap)}
}

// Create allocates a new capability of the given type over object_id with
// the given permission set.
func (t *Table) Create(kind Type, objectId uint64, perms Perm) *Cap {
	id := defs.CapId_t(atomic.AddUint64(&t.nextId, 1))
	c := &Cap{Id: id, Kind: kind, ObjectId: objectId, Perms: perms}
	t.mu.Lock()
	t.caps[id] = c
	t.mu.Unlock()
	return c
}

// Destroy revokes a capability globally: every holder's reference becomes
// invalid: Check no longer matches it (EACCES), and Grant and Derive on it
// fail with ENOENT.
func (t *Table) Destroy(c *Cap) {
	if c == nil {
		return
	}
	c.kill()
	t.mu.Lock()
	delete(t.caps, c.Id)
	t.mu.Unlock()
}

// HolderSet is a process-local set of capabilities a PROC holder owns.
// PROC embeds one per process; CAP only manipulates it through Grant and
// Revoke so the permission-checking rule lives in one place.
type HolderSet struct {
	mu   sync.Mutex
	caps map[defs.CapId_t]*Cap
}

// NewHolderSet returns an empty holder set.
func NewHolderSet() *HolderSet {
	return &HolderSet{caps: make(map[defs.CapId_t]*Cap)}
}

// Snapshot returns every live capability currently in h, for a caller
// (PROC's fork) that needs to carry a holder's whole security context
// forward rather than grant one capability at a time.
func (h *HolderSet) Snapshot() []*Cap {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Cap, 0, len(h.caps))
	for _, c := range h.caps {
		if !c.isDead() {
			out = append(out, c)
		}
	}
	return out
}

// Inherit installs cap directly into h without a Grant-permission
// check, the fork-time "child starts with the parent's security context"
// case rather than a user-level grant between two distinct holders.
func (h *HolderSet) Inherit(cap *Cap) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.caps[cap.Id] = cap
}

// Grant installs cap into target, if the grantor holds Grant permission on
// cap (checked by the caller passing grantorPerms -- PROC determines which
// capability the syscall layer used to authorize the grant).
func Grant(target *HolderSet, cap *Cap, grantorPerms Perm) defs.Err_t {
	if cap == nil || cap.isDead() {
		return defs.ENOENT
	}
	if grantorPerms&PermGrant == 0 {
		return defs.EACCES
	}
	target.mu.Lock()
	target.caps[cap.Id] = cap
	target.mu.Unlock()
	return defs.Ok
}

// Revoke removes cap from target's holder set, requiring Revoke
// permission from the revoker.
func Revoke(target *HolderSet, cap *Cap, revokerPerms Perm) defs.Err_t {
	if cap == nil {
		return defs.ENOENT
	}
	if revokerPerms&PermRevoke == 0 {
		return defs.EACCES
	}
	target.mu.Lock()
	_, ok := target.caps[cap.Id]
	delete(target.caps, cap.Id)
	target.mu.Unlock()
	if !ok {
		return defs.ENOENT
	}
	return defs.Ok
}

// Derive creates a child capability over the same object with a narrower
// (or equal) permission set. Fails with EINVAL if newPerms is not a subset
// of the parent's permissions. The child starts with a copy of the parent's
// metadata.
func (t *Table) Derive(parent *Cap, newPerms Perm) (*Cap, defs.Err_t) {
	if parent == nil || parent.isDead() {
		return nil, defs.ENOENT
	}
	if !newPerms.Subset(parent.Perms) {
		return nil, defs.EINVAL
	}
	child := t.Create(parent.Kind, parent.ObjectId, newPerms)
	parent.mu.Lock()
	if len(parent.meta) > 0 {
		child.meta = make(map[string]string, len(parent.meta))
		for k, v := range parent.meta {
			child.meta[k] = v
		}
	}
	parent.mu.Unlock()
	return child, defs.Ok
}

// Check reports whether holder has a live capability of kind over
// objectId carrying every bit of required. It is the single choke point
// every privileged cross-process kernel operation must call.
func Check(holder *HolderSet, kind Type, objectId uint64, required Perm) defs.Err_t {
	holder.mu.Lock()
	defer holder.mu.Unlock()
	for _, c := range holder.caps {
		if c.isDead() {
			continue
		}
		if c.Kind == kind && c.ObjectId == objectId && required.Subset(c.Perms) {
			return defs.Ok
		}
	}
	return defs.EACCES
}
