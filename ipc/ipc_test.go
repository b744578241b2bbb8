package ipc

import (
	"sync"
	"testing"
	"time"

	"limitlessos/defs"
)

func mkMsg(id uint64, payload string) Message {
	var m Message
	m.MsgId = id
	n := copy(m.Payload[:], payload)
	m.Size = n
	return m
}

// S2 IPC ping: create endpoint; send(timeout=0) returns Ok; receive
// (timeout=0) returns the same payload and sender pid of caller.
func TestS2Ping(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)

	if err := r.Send(id, 7, mkMsg(1, "hi"), 0); err != defs.Ok {
		t.Fatalf("Send: %v", err)
	}
	m, err := r.Receive(id, 0)
	if err != defs.Ok {
		t.Fatalf("Receive: %v", err)
	}
	if string(m.Payload[:m.Size]) != "hi" {
		t.Fatalf("payload = %q, want %q", m.Payload[:m.Size], "hi")
	}
	if m.Sender != 7 {
		t.Fatalf("sender = %d, want 7", m.Sender)
	}
}

func TestReceiveEmptyZeroTimeout(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)
	if _, err := r.Receive(id, 0); err != defs.ETIMEDOUT {
		t.Fatalf("Receive on empty/zero-timeout = %v, want ETIMEDOUT", err)
	}
}

// Property 6: IPC FIFO -- single sender/receiver sequence is preserved.
func TestFIFOOrdering(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)
	for i := 0; i < 10; i++ {
		m := mkMsg(uint64(i), "")
		m.Payload[0] = byte(i)
		m.Size = 1
		if err := r.Send(id, 1, m, 0); err != defs.Ok {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		m, err := r.Receive(id, 0)
		if err != defs.Ok {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if m.Payload[0] != byte(i) {
			t.Fatalf("out of order: got %d, want %d", m.Payload[0], i)
		}
	}
}

// Property 7: IPC bounded queue -- at most QueueCapacity unread async
// messages are retained; overflow increments dropped monotonically.
func TestAsyncOverflowDrops(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)

	for i := 0; i < QueueCapacity; i++ {
		m := mkMsg(uint64(i), "")
		m.Flags = FlagAsync
		if err := r.Send(id, 1, m, 0); err != defs.Ok {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	overflow := mkMsg(9999, "")
	overflow.Flags = FlagAsync
	if err := r.Send(id, 1, overflow, 0); err != defs.EBUSY {
		t.Fatalf("Send on full queue = %v, want EBUSY", err)
	}

	stats, _ := r.Stats(id)
	if stats.Depth != QueueCapacity {
		t.Fatalf("depth = %d, want %d", stats.Depth, QueueCapacity)
	}
	if stats.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", stats.Dropped)
	}

	// A second overflow must increment monotonically.
	r.Send(id, 1, overflow, 0)
	stats2, _ := r.Stats(id)
	if stats2.Dropped != 2 {
		t.Fatalf("dropped after second overflow = %d, want 2", stats2.Dropped)
	}
}

func TestSyncSendBusyOnZeroTimeout(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)
	for i := 0; i < QueueCapacity; i++ {
		r.Send(id, 1, mkMsg(uint64(i), ""), 0)
	}
	m := mkMsg(1, "")
	m.Flags = FlagSync
	if err := r.Send(id, 1, m, 0); err != defs.EBUSY {
		t.Fatalf("Sync send with zero timeout on full queue = %v, want EBUSY", err)
	}
}

func TestSyncSendSuspendsUntilSlotFrees(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)
	for i := 0; i < QueueCapacity; i++ {
		r.Send(id, 1, mkMsg(uint64(i), ""), 0)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr defs.Err_t
	go func() {
		defer wg.Done()
		m := mkMsg(12345, "late")
		m.Flags = FlagSync
		sendErr = r.Send(id, 1, m, 200*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := r.Receive(id, 0); err != defs.Ok {
		t.Fatalf("Receive to free a slot: %v", err)
	}

	wg.Wait()
	if sendErr != defs.Ok {
		t.Fatalf("suspended sync send = %v, want Ok", sendErr)
	}
}

func TestReceiveBlocksUntilTimeout(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)
	start := time.Now()
	_, err := r.Receive(id, 30*time.Millisecond)
	elapsed := time.Since(start)
	if err != defs.ETIMEDOUT {
		t.Fatalf("Receive on perpetually empty queue = %v, want ETIMEDOUT", err)
	}
	if elapsed < 25*time.Millisecond {
		t.Fatalf("Receive returned too early: %v", elapsed)
	}
}

func TestDestroyWakesWaitersWithDenied(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr defs.Err_t
	go func() {
		defer wg.Done()
		_, recvErr = r.Receive(id, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := r.Destroy(id); err != defs.Ok {
		t.Fatalf("Destroy: %v", err)
	}
	wg.Wait()
	if recvErr != defs.EACCES {
		t.Fatalf("blocked receive after destroy = %v, want EACCES", recvErr)
	}

	if err := r.Destroy(id); err != defs.ENOENT {
		t.Fatalf("Destroy on already-destroyed endpoint = %v, want ENOENT", err)
	}
	if _, err := r.Receive(id, 0); err != defs.ENOENT {
		t.Fatalf("Receive on destroyed endpoint = %v, want ENOENT", err)
	}
}

func TestReply(t *testing.T) {
	r := NewRegistry()
	id := r.Create(1)
	if err := r.Reply(id, 2, 55, []byte("ack")); err != defs.Ok {
		t.Fatalf("Reply: %v", err)
	}
	m, err := r.Receive(id, 0)
	if err != defs.Ok {
		t.Fatalf("Receive: %v", err)
	}
	if m.MsgId != 55 || m.Flags&FlagAsync == 0 {
		t.Fatalf("Reply did not stamp correlation id/flags correctly: %+v", m)
	}
}
