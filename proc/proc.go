// Package proc implements the process and thread table: pid/tid
// allocation, fork's address-space clone, exec's loader invocation, the
// zombie/reap lifecycle, brk, and a fixed-size file descriptor table. The
// bounded-array shape of the process table and fd table is grounded in
// biscuit's own fixed Syslimit_t-style resource ceilings (limits.Syslimit_t)
// and its Cwd_t/Fd_t pair (fd.Cwd_t, fd.Fd_t), generalized from a real VFS
// binding to an opaque FileObject since the VFS itself is out of scope here.
package proc

import (
	"sync"
	"time"

	"limitlessos/capsys"
	"limitlessos/defs"
	"limitlessos/loader"
	"limitlessos/sched"
	"limitlessos/vmm"
)

// Resource ceilings named directly in the data model: at most this many
// threads, file descriptors, and children per process.
const (
	MaxThreads  = 64
	MaxFds      = 1024
	MaxChildren = 256
)

// UserStackPages is the fixed size of the stack exec maps for the new main
// thread, per spec.md §4.6.
const UserStackPages = 64

// UserStackTop is the deterministic high virtual address the user stack is
// mapped just below, kept comfortably under the canonical-address boundary
// this simulation's 4-level tables can address.
const UserStackTop = uint64(0x0000_7FFF_FFFF_F000)

// State names a process's position in its lifecycle.
type State int

const (
	Embryo State = iota
	Ready
	Running
	Blocked
	Zombie
	Dead
)

// FileObject is the opaque handle PROC ref-counts; the VFS that produces
// and services one is an external collaborator per spec.md §6.
type FileObject interface {
	Close() error
}

// fdEntry is one file descriptor table slot. Refs is shared across dup'd
// and forked copies of the same open file so the last one to close it
// actually closes the underlying object.
type fdEntry struct {
	obj   FileObject
	refs  *int
	flags int
	inUse bool
}

// Accnt accumulates per-process CPU time, mirroring accnt.Accnt_t's
// userns/sysns counters without the rusage serialization this core has no
// syscall ABI to deliver.
type Accnt struct {
	mu      sync.Mutex
	Userns  int64
	Sysns   int64
}

func (a *Accnt) addUser(d int64) {
	a.mu.Lock()
	a.Userns += d
	a.mu.Unlock()
}

// Process is one entry in the process table.
type Process struct {
	sync.Mutex

	Pid      defs.Pid_t
	Parent   defs.Pid_t
	Pgid     defs.Pid_t
	Sid      defs.Pid_t
	State    State
	ExitCode int

	AS     *vmm.AddressSpace
	Loader loader.Result

	HeapStart, HeapEnd, Brk uint64

	threads   map[defs.Tid_t]*sched.Thread
	mainTid   defs.Tid_t

	fds [MaxFds]fdEntry

	Children []defs.Pid_t
	Cwd      string
	Uid, Gid, Euid, Egid int

	StartTime time.Time
	Accnt     Accnt

	// Caps is this process's capability holder set, per cap.go's own
	// division of labor: CAP owns identity/liveness/derivation, PROC owns
	// the per-process set Grant/Revoke/Check act against.
	Caps *capsys.HolderSet
}

// Table is the system-wide process table plus the shared scheduler every
// process's threads are registered with.
type Table struct {
	sync.Mutex

	Sched *sched.Sched_t
	Vmm   *vmm.Vmm_t
	Caps  *capsys.Table

	nextPid uint64
	procs   map[defs.Pid_t]*Process
}

// New returns an empty process table bound to sc, v, and caps.
func New(sc *sched.Sched_t, v *vmm.Vmm_t, caps *capsys.Table) *Table {
	return &Table{Sched: sc, Vmm: v, Caps: caps, procs: make(map[defs.Pid_t]*Process)}
}

func (t *Table) allocPid() defs.Pid_t {
	t.nextPid++
	return defs.Pid_t(t.nextPid)
}

// Create allocates a process table slot in state Embryo with an empty fd
// table, empty thread table, and cwd "/".
func (t *Table) Create(parent defs.Pid_t) (*Process, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	p := &Process{
		Pid:       t.allocPid(),
		Parent:    parent,
		State:     Embryo,
		threads:   make(map[defs.Tid_t]*sched.Thread),
		Cwd:       "/",
		StartTime: time.Now(),
		Caps:      capsys.NewHolderSet(),
	}
	t.procs[p.Pid] = p
	if parent != 0 {
		if par, ok := t.procs[parent]; ok {
			par.Lock()
			par.Children = append(par.Children, p.Pid)
			par.Unlock()
		}
	}
	return p, defs.Ok
}

func (t *Table) get(pid defs.Pid_t) (*Process, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return nil, defs.ENOENT
	}
	return p, defs.Ok
}

// Fork creates a child inheriting parent's credentials, cwd, open fds (ref
// count bumped, not duplicated), and a deep clone of its address space. The
// child is left in Ready with its main thread already enqueued, per
// spec.md §9's fixed answer to the fork-vs-ready-queue open question.
func (t *Table) Fork(parent *Process) (*Process, defs.Err_t) {
	parent.Lock()
	if len(parent.Children) >= MaxChildren {
		parent.Unlock()
		return nil, defs.ENOMEM
	}
	srcAS := parent.AS
	parentMain := parent.threads[parent.mainTid]
	parent.Unlock()
	if srcAS == nil || parentMain == nil {
		return nil, defs.EINVAL
	}

	childAS, err := t.Vmm.CloneAddressSpace(srcAS)
	if err != defs.Ok {
		return nil, err
	}

	child, _ := t.Create(parent.Pid)
	child.AS = childAS
	child.HeapStart, child.HeapEnd, child.Brk = parent.HeapStart, parent.HeapEnd, parent.Brk
	child.Uid, child.Gid, child.Euid, child.Egid = parent.Uid, parent.Gid, parent.Euid, parent.Egid
	child.Cwd = parent.Cwd
	child.Pgid, child.Sid = parent.Pgid, parent.Sid

	parent.Lock()
	for i := range parent.fds {
		if parent.fds[i].inUse {
			*parent.fds[i].refs++
			child.fds[i] = parent.fds[i]
		}
	}
	parentCaps := parent.Caps
	parent.Unlock()

	if parentCaps != nil {
		for _, c := range parentCaps.Snapshot() {
			child.Caps.Inherit(c)
		}
	}

	ct := t.Sched.NewThread(child.Pid, parentMain.Prio, parentMain.Entry, parentMain.UStack)
	child.threads[ct.Tid] = ct
	child.mainTid = ct.Tid
	child.State = Ready
	if err := t.Sched.AddThread(ct); err != defs.Ok {
		return nil, err
	}

	return child, defs.Ok
}

// Exec destroys proc's existing address space and loader context, builds a
// fresh address space from image via the loader, establishes the heap and
// user stack, and creates a new main thread at the entry point.
func (t *Table) Exec(proc *Process, image []byte) defs.Err_t {
	proc.Lock()
	oldAS := proc.AS
	oldThreads := proc.threads
	proc.Unlock()

	newAS, err := t.Vmm.CreateAddressSpace()
	if err != defs.Ok {
		return err
	}

	res, lerr := loader.Load(image, t.Vmm, newAS)
	if lerr != defs.Ok {
		t.Vmm.DestroyAddressSpace(newAS)
		return lerr
	}

	heapStart := defs.PageRoundup(uint64(res.ImageBase) + res.ImageSize)
	stackBottom := UserStackTop - uint64(UserStackPages*defs.PGSIZE)
	stackBase, err := t.Vmm.Pmm.AllocPages(UserStackPages)
	if err != defs.Ok {
		t.Vmm.DestroyAddressSpace(newAS)
		return err
	}
	if err := t.Vmm.MapPages(newAS, defs.Vaddr_t(stackBottom), stackBase, UserStackPages, vmm.PteW|vmm.PteU|vmm.PteNX); err != defs.Ok {
		t.Vmm.Pmm.FreePages(stackBase, UserStackPages)
		t.Vmm.DestroyAddressSpace(newAS)
		return err
	}
	newAS.AddRegion(stackBottom, UserStackTop, vmm.PteW|vmm.PteU|vmm.PteNX, vmm.RegionStack)

	for _, old := range oldThreads {
		t.Sched.RemoveThread(old)
	}
	if oldAS != nil {
		t.Vmm.DestroyAddressSpace(oldAS)
	}

	mt := t.Sched.NewThread(proc.Pid, sched.Normal, uint64(res.EntryPoint), UserStackTop)
	if err := t.Sched.AddThread(mt); err != defs.Ok {
		return err
	}

	proc.Lock()
	proc.AS = newAS
	proc.Loader = res
	proc.HeapStart = heapStart
	proc.HeapEnd = heapStart
	proc.Brk = heapStart
	proc.threads = map[defs.Tid_t]*sched.Thread{mt.Tid: mt}
	proc.mainTid = mt.Tid
	proc.State = Ready
	proc.Unlock()
	return defs.Ok
}

// Exit closes all open fds, marks every thread Dead, reparents children to
// pid 1, and becomes Zombie -- or, if proc has no parent, is reclaimed
// immediately (spec.md §9's fixed answer for orphan exit).
func (t *Table) Exit(proc *Process, code int) defs.Err_t {
	proc.Lock()
	for i := range proc.fds {
		t.closeFdLocked(&proc.fds[i])
	}
	for _, th := range proc.threads {
		t.Sched.RemoveThread(th)
		th.State = sched.Dead
	}
	proc.ExitCode = code
	proc.State = Zombie
	parent := proc.Parent
	children := proc.Children
	proc.Unlock()

	t.Lock()
	for _, cpid := range children {
		if c, ok := t.procs[cpid]; ok {
			c.Lock()
			c.Parent = 1
			c.Unlock()
			if one, ok := t.procs[1]; ok {
				one.Lock()
				one.Children = append(one.Children, cpid)
				one.Unlock()
			}
		}
	}
	hasParent := parent != 0
	if _, ok := t.procs[parent]; !ok {
		hasParent = false
	}
	t.Unlock()

	if !hasParent {
		return t.reclaim(proc)
	}
	return defs.Ok
}

func (t *Table) reclaim(proc *Process) defs.Err_t {
	proc.Lock()
	as := proc.AS
	proc.AS = nil
	proc.State = Dead
	proc.Unlock()
	if as != nil {
		t.Vmm.DestroyAddressSpace(as)
	}
	t.Lock()
	delete(t.procs, proc.Pid)
	t.Unlock()
	return defs.Ok
}

// Wait scans parent's children for a zombie matching pid (or any child when
// pid is 0), reaps the first match, and returns its exit status.
func (t *Table) Wait(parent *Process, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	parent.Lock()
	var match defs.Pid_t = -1
	idx := -1
	for i, cpid := range parent.Children {
		if pid != 0 && cpid != pid {
			continue
		}
		t.Lock()
		c, ok := t.procs[cpid]
		t.Unlock()
		if ok {
			c.Lock()
			isZombie := c.State == Zombie
			c.Unlock()
			if isZombie {
				match = cpid
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		parent.Unlock()
		return 0, 0, defs.EINVAL
	}
	parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
	parent.Unlock()

	t.Lock()
	c := t.procs[match]
	t.Unlock()
	code := 0
	if c != nil {
		c.Lock()
		code = c.ExitCode
		c.Unlock()
		t.reclaim(c)
	}
	return match, code, defs.Ok
}

// Kill is equivalent to Exit(pid, signal) in this core.
func (t *Table) Kill(pid defs.Pid_t, signal int) defs.Err_t {
	p, err := t.get(pid)
	if err != defs.Ok {
		return err
	}
	return t.Exit(p, signal)
}

// Brk reports the current break when newBrk is zero, otherwise grows or
// shrinks the heap to newBrk, mapping or unmapping whole pages as needed.
func (t *Table) Brk(proc *Process, newBrk uint64) (uint64, defs.Err_t) {
	proc.Lock()
	defer proc.Unlock()
	if newBrk == 0 {
		return proc.Brk, defs.Ok
	}
	if newBrk < proc.HeapStart {
		return proc.Brk, defs.EINVAL
	}

	oldTop := defs.PageRoundup(proc.Brk)
	newTop := defs.PageRoundup(newBrk)

	if newTop > oldTop {
		n := int((newTop - oldTop) / uint64(defs.PGSIZE))
		base, err := t.Vmm.Pmm.AllocPages(n)
		if err != defs.Ok {
			return proc.Brk, err
		}
		for i := 0; i < n; i++ {
			frame := base + defs.Paddr_t(i*defs.PGSIZE)
			buf := t.Vmm.Pmm.Frame(frame)
			for j := range buf {
				buf[j] = 0
			}
		}
		if err := t.Vmm.MapPages(proc.AS, defs.Vaddr_t(oldTop), base, n, vmm.PteW|vmm.PteU|vmm.PteNX); err != defs.Ok {
			t.Vmm.Pmm.FreePages(base, n)
			return proc.Brk, err
		}
	} else if newTop < oldTop {
		n := int((oldTop - newTop) / uint64(defs.PGSIZE))
		for i := 0; i < n; i++ {
			va := defs.Vaddr_t(newTop + uint64(i*defs.PGSIZE))
			if phys, err := t.Vmm.GetPhysical(proc.AS, va); err == defs.Ok {
				t.Vmm.Pmm.FreePage(defs.Paddr_t(uint64(phys) &^ defs.PGOFFSET))
			}
		}
		t.Vmm.UnmapPages(proc.AS, defs.Vaddr_t(newTop), n)
	}

	if newTop != oldTop {
		if oldTop > proc.HeapStart {
			proc.AS.RemoveRegion(proc.HeapStart, oldTop)
		}
		if newTop > proc.HeapStart {
			proc.AS.AddRegion(proc.HeapStart, newTop, vmm.PteW|vmm.PteU|vmm.PteNX, vmm.RegionHeap)
		}
	}

	proc.Brk = newBrk
	proc.HeapEnd = newTop
	return proc.Brk, defs.Ok
}

// FdAlloc installs obj at the lowest free descriptor index.
func (p *Process) FdAlloc(obj FileObject, flags int) (int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	for i := range p.fds {
		if !p.fds[i].inUse {
			refs := 1
			p.fds[i] = fdEntry{obj: obj, refs: &refs, flags: flags, inUse: true}
			return i, defs.Ok
		}
	}
	return -1, defs.ENOMEM
}

// FdFree closes fd's reference, closing the underlying object on last ref.
func (p *Process) FdFree(fd int) defs.Err_t {
	p.Lock()
	defer p.Unlock()
	if fd < 0 || fd >= MaxFds || !p.fds[fd].inUse {
		return defs.EINVAL
	}
	e := &p.fds[fd]
	*e.refs--
	if *e.refs == 0 {
		e.obj.Close()
	}
	*e = fdEntry{}
	return defs.Ok
}

// closeFdLocked is FdFree's body for a slot already under the process lock,
// used by Exit to tear down the whole table at once.
func (t *Table) closeFdLocked(e *fdEntry) {
	if !e.inUse {
		return
	}
	*e.refs--
	if *e.refs == 0 {
		e.obj.Close()
	}
	*e = fdEntry{}
}

// FdDup closes newFd if open, then aliases it to oldFd's entry, bumping the
// shared ref count.
func (p *Process) FdDup(oldFd, newFd int) defs.Err_t {
	p.Lock()
	defer p.Unlock()
	if oldFd < 0 || oldFd >= MaxFds || newFd < 0 || newFd >= MaxFds || !p.fds[oldFd].inUse {
		return defs.EINVAL
	}
	if p.fds[newFd].inUse {
		old := &p.fds[newFd]
		*old.refs--
		if *old.refs == 0 {
			old.obj.Close()
		}
	}
	p.fds[newFd] = p.fds[oldFd]
	*p.fds[newFd].refs++
	return defs.Ok
}
