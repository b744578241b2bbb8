// Package kernel wires PMM, VMM, CAP, IPC, LOAD, PROC, and SCHED into one
// running core, the same role biscuit/src/kernel/main.go plays for the
// teacher (retrieved as
// f848b9fe_justanotherdot-biscuit__biscuit-src-kernel-main.go.go, since
// the teacher's own checkout here carries no main.go): a single entry
// point that initializes every subsystem in dependency order and exposes
// the handful of operations a persona/syscall layer built on top would
// call.
package kernel

import (
	"time"

	"limitlessos/capsys"
	"limitlessos/console"
	"limitlessos/defs"
	"limitlessos/ipc"
	"limitlessos/loader"
	"limitlessos/pmm"
	"limitlessos/proc"
	"limitlessos/sched"
	"limitlessos/vmm"
)

// Config holds every tunable this core needs at boot, mirroring the
// teacher's limits.Syslimit_t/_deflimits pattern of named defaults rather
// than magic numbers scattered through init code.
type Config struct {
	// PhysMemBytes is the size of the arena PMM manages, rounded down to a
	// whole number of pages.
	PhysMemBytes uint64
	// PhysMemBase is the physical base address PMM's bitmap is built
	// against; 0 is fine for a hosted simulation with no real memory map.
	PhysMemBase defs.Paddr_t
}

// DefaultConfig matches biscuit's own default memory ceiling scaled down to
// a size convenient for a hosted simulation: 256 MiB of simulated physical
// memory.
func DefaultConfig() Config {
	return Config{
		PhysMemBytes: 256 << 20,
		PhysMemBase:  0,
	}
}

// Kernel is the assembled core: every subsystem plus the console it logs
// diagnostics through.
type Kernel struct {
	Config Config
	Log    *console.Logger

	Pmm   *pmm.Pmm_t
	Vmm   *vmm.Vmm_t
	Caps  *capsys.Table
	Ipc   *ipc.Registry
	Sched *sched.Sched_t
	Procs *proc.Table
}

// Boot initializes every subsystem in dependency order: PMM first (nothing
// else can allocate without it), then VMM's kernel address space, then the
// capability table, IPC registry, and scheduler (each independent of one
// another), then PROC, which needs both VMM and SCHED already live.
func Boot(cfg Config, sink console.Sink) (*Kernel, defs.Err_t) {
	log := console.New(sink)

	p := pmm.New()
	if err := p.Init(cfg.PhysMemBase, cfg.PhysMemBytes); err != defs.Ok {
		return nil, err
	}
	log.Printf("pmm: initialized, base=%#x", cfg.PhysMemBase)

	v := vmm.New(p)
	if err := v.InitKernel(); err != defs.Ok {
		p.Close()
		return nil, err
	}
	log.Printf("vmm: kernel address space ready")

	caps := capsys.NewTable()
	reg := ipc.NewRegistry()
	sc := sched.New()
	sc.SetIdle(sc.NewThread(0, sched.Idle, 0, 0))
	log.Printf("sched: idle thread installed")

	procs := proc.New(sc, v, caps)

	k := &Kernel{
		Config: cfg,
		Log:    log,
		Pmm:    p,
		Vmm:    v,
		Caps:   caps,
		Ipc:    reg,
		Sched:  sc,
		Procs:  procs,
	}
	return k, defs.Ok
}

// Shutdown tears down the PMM's backing mapping. Address spaces and
// endpoints are reclaimed by their owning process's Exit, not here.
func (k *Kernel) Shutdown() {
	k.Pmm.Close()
	k.Log.Printf("kernel: shutdown complete")
}

// SpawnInit creates pid 1: an address space, loads image into it via LOAD,
// and enqueues its main thread. This is the one process PROC's Fork tree
// grows from.
func (k *Kernel) SpawnInit(image []byte) (*proc.Process, defs.Err_t) {
	p, err := k.Procs.Create(0)
	if err != defs.Ok {
		return nil, err
	}
	as, err := k.Vmm.CreateAddressSpace()
	if err != defs.Ok {
		return nil, err
	}
	p.AS = as

	res, lerr := loader.Load(image, k.Vmm, as)
	if lerr != defs.Ok {
		k.Vmm.DestroyAddressSpace(as)
		return nil, lerr
	}
	p.Loader = res
	p.HeapStart = defs.PageRoundup(uint64(res.ImageBase) + res.ImageSize)
	p.HeapEnd = p.HeapStart
	p.Brk = p.HeapStart

	th := k.Sched.NewThread(p.Pid, sched.Normal, uint64(res.EntryPoint), proc.UserStackTop)
	if err := k.Sched.AddThread(th); err != defs.Ok {
		return nil, err
	}
	k.Log.Printf("proc: spawned init (pid=%d) entry=%#x", p.Pid, res.EntryPoint)
	return p, defs.Ok
}

// Tick attributes d to the current thread's CPU time and invokes the
// scheduler, the hosted stand-in for a real timer interrupt (this core has
// no interrupt controller of its own, per SPEC_FULL.md's AMBIENT STACK
// note on running hosted); a caller loop or time.Ticker drives this
// directly and should install Tick's returned thread as the one it resumes.
func (k *Kernel) Tick(d time.Duration) *sched.Thread {
	return k.Sched.Tick(int64(d))
}
