// Package defs holds the small set of types shared across every kernel
// subsystem: the error discriminant, pid/tid handles, and page geometry
// constants that PMM, VMM, CAP, IPC, LOAD, PROC, and SCHED all need without
// importing one another.
package defs

// Err_t is the result discriminant every fallible kernel operation returns.
// Zero is success; negative values name a failure kind. Ordinary errors are
// always returned this way -- they never panic. A panic means an invariant
// the kernel itself is supposed to guarantee has broken.
type Err_t int

// Error kinds, per the taxonomy every operation in this kernel is specified
// against.
const (
	Ok Err_t = 0

	EINVAL   Err_t = -1 // bad parameter
	ENOMEM   Err_t = -2 // out of memory / out of frames
	ENOENT   Err_t = -3 // not found
	EEXIST   Err_t = -4 // already exists
	ETIMEDOUT Err_t = -5 // timed out
	EBUSY    Err_t = -6 // busy, try again
	EACCES   Err_t = -7 // capability check failed (denied)
	ENOTSUP  Err_t = -8 // not supported
)

var errnames = map[Err_t]string{
	Ok:        "Ok",
	EINVAL:    "Invalid",
	ENOMEM:    "OutOfMemory",
	ENOENT:    "NotFound",
	EEXIST:    "AlreadyExists",
	ETIMEDOUT: "Timeout",
	EBUSY:     "Busy",
	EACCES:    "Denied",
	ENOTSUP:   "NotSupported",
}

// Error implements the error interface so Err_t can be returned anywhere a
// Go error is expected without a second wrapper type.
func (e Err_t) Error() string {
	if s, ok := errnames[e]; ok {
		return s
	}
	return "UnknownErr"
}

// Pid_t identifies a process. Pids are monotonically assigned from 1 and are
// never reused while any parent still references them as a child.
type Pid_t int

// Tid_t identifies a thread within the kernel-wide thread namespace.
type Tid_t int

// CapId_t identifies a capability.
type CapId_t uint64

// EndpointId_t identifies an IPC endpoint.
type EndpointId_t uint64

// Page geometry, shared by PMM, VMM, and LOAD.
const (
	PGSHIFT uint  = 12
	PGSIZE  int   = 1 << PGSHIFT
	PGOFFSET uint64 = 0xfff
	PGMASK  uint64 = ^PGOFFSET
)

// Vaddr_t is a virtual address; Paddr_t is a physical address. Both are
// plain uint64 so bit masking with the address masks above is direct.
type Vaddr_t uint64
type Paddr_t uint64

// PageAlign rounds v down to the nearest page boundary.
func PageAlign(v uint64) uint64 {
	return v &^ uint64(PGSIZE-1)
}

// PageRoundup rounds v up to the nearest page boundary.
func PageRoundup(v uint64) uint64 {
	return PageAlign(v + uint64(PGSIZE) - 1)
}

// PageCount returns how many pages are needed to cover n bytes.
func PageCount(n uint64) uint64 {
	return PageRoundup(n) / uint64(PGSIZE)
}
