// Package sched implements the ready-queue scheduler: five FIFO priority
// levels, pick_next/schedule/yield, and thread add/remove. Ready-queue
// linkage is intrusive, the same pattern biscuit's own linked run queues
// use, generalized from a single list to one per priority level, per
// spec.md §9's "ordered sequences owned by their parent container"
// restatement of that data structure.
package sched

import (
	"sync"

	"limitlessos/defs"

	"github.com/google/pprof/profile"
)

// State names where a thread sits in its lifecycle.
type State int

const (
	Embryo State = iota
	Ready
	Running
	Blocked
	Zombie
	Dead
)

// Priority is one of five ordered scheduling classes.
type Priority int

const (
	Idle Priority = iota
	Low
	Normal
	High
	Realtime
)

const numPriorities = int(Realtime) + 1

// Context stands in for the architecture-defined saved register file; this
// core runs hosted, so a context switch is recorded rather than performed.
type Context struct {
	SP, PC uint64
}

// Thread is a schedulable unit of execution within a process.
type Thread struct {
	sync.Mutex

	Tid     defs.Tid_t
	Pid     defs.Pid_t
	State   State
	Prio    Priority
	KStack  uint64
	UStack  uint64
	Entry   uint64
	CpuTime int64
	Ctx     Context

	next *Thread // ready-queue intrusive linkage; meaningful only while queued
	queued bool
}

type runqueue struct {
	head, tail *Thread
}

func (q *runqueue) pushBack(t *Thread) {
	t.next = nil
	if q.tail == nil {
		q.head, q.tail = t, t
		return
	}
	q.tail.next = t
	q.tail = t
}

func (q *runqueue) popFront() *Thread {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.next = nil
	return t
}

func (q *runqueue) empty() bool { return q.head == nil }

// Sched_t owns the five ready queues, the idle thread, and the notion of
// "current" thread for one logical CPU.
type Sched_t struct {
	sync.Mutex

	queues  [numPriorities]runqueue
	current *Thread
	idle    *Thread
	nextTid uint64
	all     map[defs.Tid_t]*Thread
}

// New returns an empty scheduler. Call SetIdle before the first Schedule.
func New() *Sched_t {
	return &Sched_t{all: make(map[defs.Tid_t]*Thread)}
}

// SetIdle installs the thread that runs when every ready queue is empty.
func (s *Sched_t) SetIdle(t *Thread) {
	s.Lock()
	defer s.Unlock()
	s.idle = t
}

// NewThread allocates a thread control block in state Embryo, owned by pid,
// not yet visible to the scheduler until AddThread.
func (s *Sched_t) NewThread(pid defs.Pid_t, prio Priority, entry, ustack uint64) *Thread {
	s.Lock()
	defer s.Unlock()
	s.nextTid++
	t := &Thread{
		Tid:    defs.Tid_t(s.nextTid),
		Pid:    pid,
		State:  Embryo,
		Prio:   prio,
		Entry:  entry,
		UStack: ustack,
	}
	s.all[t.Tid] = t
	return t
}

// AddThread marks t Ready and enqueues it at its priority's tail.
func (s *Sched_t) AddThread(t *Thread) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if t.queued {
		return defs.EEXIST
	}
	t.State = Ready
	t.queued = true
	s.queues[t.Prio].pushBack(t)
	return defs.Ok
}

// RemoveThread drops t from the run queue and the thread table. Reports
// NotFound if t is not tracked; a tracked thread that is not queued is
// only dropped from the table.
func (s *Sched_t) RemoveThread(t *Thread) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.all[t.Tid]; !ok {
		return defs.ENOENT
	}
	if t.queued {
		s.unlink(t)
	}
	delete(s.all, t.Tid)
	return defs.Ok
}

// unlink removes t from its priority queue by rebuilding the list minus t;
// run queues are expected to be short (bounded by ready thread count), so a
// linear rebuild is the simplest correct approach.
func (s *Sched_t) unlink(t *Thread) {
	q := &s.queues[t.Prio]
	var kept []*Thread
	for n := q.popFront(); n != nil; n = q.popFront() {
		if n != t {
			kept = append(kept, n)
		}
	}
	for _, n := range kept {
		q.pushBack(n)
	}
	t.queued = false
}

// PickNext scans priorities from Realtime down to Idle and returns the head
// of the first non-empty queue, dequeuing it. Falls back to the idle
// thread installed by SetIdle (which does not enqueue it) whenever every
// queue is empty.
func (s *Sched_t) PickNext() *Thread {
	s.Lock()
	defer s.Unlock()
	return s.pickNextLocked()
}

func (s *Sched_t) pickNextLocked() *Thread {
	for p := numPriorities - 1; p >= 0; p-- {
		if !s.queues[p].empty() {
			t := s.queues[p].popFront()
			t.queued = false
			return t
		}
	}
	if s.idle == nil {
		panic("sched: no idle thread configured")
	}
	return s.idle
}

// Schedule implements the tick/yield/reschedule algorithm: picks the next
// thread, re-enqueues prev if it is still runnable, and installs next as
// current.
func (s *Sched_t) Schedule() *Thread {
	s.Lock()
	prev := s.current
	next := s.pickNextLocked()

	if next == prev {
		if prev != nil && prev.State == Running {
			prev.State = Ready
			prev.queued = true
			s.queues[prev.Prio].pushBack(prev)
		}
		s.current = next
		next.State = Running
		s.Unlock()
		return next
	}

	if prev != nil && prev.State == Running {
		prev.State = Ready
		prev.queued = true
		s.queues[prev.Prio].pushBack(prev)
	}
	next.State = Running
	s.current = next
	s.Unlock()
	return next
}

// Yield reschedules, letting Schedule's own Running-to-Ready transition
// move the current thread back onto its ready queue (the current thread is
// still marked Running at the moment Yield is called).
func (s *Sched_t) Yield() *Thread {
	return s.Schedule()
}

// Current returns the thread currently installed as running, or nil before
// the first Schedule call.
func (s *Sched_t) Current() *Thread {
	s.Lock()
	defer s.Unlock()
	return s.current
}

// Wake reinserts a thread whose blocking wait (IPC timeout, etc.) has
// expired back into its priority's ready queue.
func (s *Sched_t) Wake(t *Thread) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if t.queued {
		return defs.EEXIST
	}
	t.State = Ready
	t.queued = true
	s.queues[t.Prio].pushBack(t)
	return defs.Ok
}

// Tick attributes d of CPU time to the currently running thread (the
// accnt.Accnt_t-style counter every thread carries, Thread.CpuTime), then
// invokes Schedule, per spec.md §4.7's "schedule() invoked on tick, yield,
// or explicit reschedule" and §6 external interface #4 ("periodic ticks
// invoking sched.schedule()"). This is what actually drives preemption of a
// thread that never yields on its own.
func (s *Sched_t) Tick(d int64) *Thread {
	s.Lock()
	cur := s.current
	s.Unlock()
	if cur != nil {
		cur.Lock()
		cur.CpuTime += d
		cur.Unlock()
	}
	return s.Schedule()
}

// ExportProfile turns the accumulated per-thread CPU time into a pprof
// profile.Profile sample set, one sample per thread labeled by pid/tid, the
// same shape the teacher's own NMI-sampling profiler produces.
func (s *Sched_t) ExportProfile() *profile.Profile {
	s.Lock()
	defer s.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}

	for _, t := range s.all {
		t.Lock()
		sample := &profile.Sample{
			Value: []int64{t.CpuTime},
			Label: map[string][]string{
				"pid": {itoa(int64(t.Pid))},
				"tid": {itoa(int64(t.Tid))},
			},
		}
		t.Unlock()
		p.Sample = append(p.Sample, sample)
	}
	return p
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
