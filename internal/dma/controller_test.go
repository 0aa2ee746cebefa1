package dma

import (
	"sync"
	"testing"
	"time"
)

func newTestController(t *testing.T) (*Controller, *Manager) {
	t.Helper()
	device := NewSimDevice(2, 4)
	manager := NewManager(device)
	if err := manager.Initialize(); err != nil {
		t.Fatalf("manager.Initialize: %v", err)
	}
	controller := NewController(device, manager)
	if err := controller.Initialize(); err != nil {
		t.Fatalf("controller.Initialize: %v", err)
	}
	return controller, manager
}

func TestTransferRejectsOutOfBoundsSize(t *testing.T) {
	c, m := newTestController(t)
	buf, _ := m.Allocate(4096)

	if _, err := c.Transfer(buf, MinTransferSize-1, HostToDevice, Blocking, nil); err == nil {
		t.Fatal("transfer smaller than MinTransferSize should fail")
	}
	if _, err := c.Transfer(buf, buf.Size+1, HostToDevice, Blocking, nil); err == nil {
		t.Fatal("transfer larger than the buffer should fail")
	}
}

func TestBlockingTransferCompletes(t *testing.T) {
	c, m := newTestController(t)
	buf, err := m.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	result, err := c.Transfer(buf, 128, HostToDevice, Blocking, nil)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !result.Success {
		t.Fatalf("blocking transfer did not succeed: %+v", result)
	}
	if result.BytesTransferred != 128 {
		t.Fatalf("BytesTransferred = %d, want 128", result.BytesTransferred)
	}
}

func TestNonBlockingTransferInvokesCallback(t *testing.T) {
	c, m := newTestController(t)
	buf, _ := m.Allocate(4096)

	var wg sync.WaitGroup
	wg.Add(1)
	var got TransferResult
	submit, err := c.Transfer(buf, 128, DeviceToHost, NonBlocking, func(r TransferResult) {
		got = r
		wg.Done()
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !submit.Success {
		t.Fatalf("non-blocking submission should report success=true, got %+v", submit)
	}

	wg.Wait()
	if !got.Success {
		t.Fatalf("callback result should succeed: %+v", got)
	}

	result := c.WaitFor(buf, time.Second)
	if !result.Success {
		t.Fatalf("WaitFor should also observe success: %+v", result)
	}
}

func TestIsCompleteTrueForUnknownBuffer(t *testing.T) {
	c, _ := newTestController(t)
	unknown := Buffer{ID: 12345, Size: 4096}
	if !c.IsComplete(unknown) {
		t.Fatal("IsComplete should be true for a buffer with no pending transfer")
	}
}

func TestEngineMutualExclusion(t *testing.T) {
	c, m := newTestController(t)

	bufA, _ := m.Allocate(4096)
	bufB, _ := m.Allocate(4096)
	bufC, _ := m.Allocate(4096)

	// Two engines are available; a third concurrent claim attempt must fail
	// fast rather than block, since Transfer claims synchronously before
	// returning for non-blocking mode.
	var wg sync.WaitGroup
	results := make([]error, 3)
	bufs := []Buffer{bufA, bufB, bufC}
	for i := range bufs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Transfer(bufs[i], 128, HostToDevice, NonBlocking, nil)
			results[i] = err
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range results {
		if err != nil {
			failures++
		}
	}
	if failures == 0 {
		t.Skip("scheduling allowed all three transfers to land on only two engines without overlap; non-deterministic by nature")
	}
}
