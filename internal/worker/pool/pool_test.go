package pool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/worker"
)

// Fake worker subprocess, the same self-exec pattern worker_test.go uses:
// the package's own compiled test binary is spawned again and, on seeing
// the gate env var, runs a minimal InitWorker/LoadPackage/Exit handshake
// instead of the test suite.
const helperEnv = "QPY_POOL_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runFakeWorkerProcess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeWorkerProcess() {
	conn := ipc.NewSplitConn(os.Stdin, os.Stdout, nil, ipc.ServerToWorkerRange)
	for {
		frame, err := conn.Read()
		if err != nil {
			return
		}
		switch frame.ID {
		case ipc.MsgInitWorker:
			payload, _ := ipc.Encode(ipc.InitWorkerResponse{})
			_ = conn.Write(ipc.Frame{ID: ipc.MsgInitWorkerResponse, Payload: payload})
		case ipc.MsgLoadPackage:
			payload, _ := ipc.Encode(ipc.LoadPackageResponse{})
			_ = conn.Write(ipc.Frame{ID: ipc.MsgLoadPackageResponse, Payload: payload})
		case ipc.MsgExit:
			return
		}
	}
}

func fakeFactory(loc manifest.Location, limits ipc.ResourceLimits) *worker.Worker {
	return worker.New(os.Args[0], loc, limits, ipc.WorkerTypeProcess, nil)
}

func newTestPool(t *testing.T, maxWorkers int, maxMemoryBytes int64) *Pool {
	t.Helper()
	if err := os.Setenv(helperEnv, "1"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv(helperEnv) })
	return New(maxWorkers, maxMemoryBytes, fakeFactory, nil)
}

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t, 2, 64*1024*1024)
	limits := ipc.ResourceLimits{MaxMemoryBytes: 16 * 1024 * 1024, MaxCPUTimeSecondsPerCall: 5}

	h, err := p.Acquire(context.Background(), manifest.Zip{Path: "/pkg.qpy"}, limits)
	if err != nil {
		t.Fatal(err)
	}
	if inProcess, inQueue := p.Usage(); inProcess != 1 || inQueue != 0 {
		t.Fatalf("expected usage 1/0, got %d/%d", inProcess, inQueue)
	}

	h.Release()
	if inProcess, inQueue := p.Usage(); inProcess != 0 || inQueue != 0 {
		t.Fatalf("expected usage 0/0 after release, got %d/%d", inProcess, inQueue)
	}
}

func TestPoolRejectsRequestOverPoolMemoryCeiling(t *testing.T) {
	p := newTestPool(t, 2, 16*1024*1024)
	limits := ipc.ResourceLimits{MaxMemoryBytes: 32 * 1024 * 1024, MaxCPUTimeSecondsPerCall: 5}

	_, err := p.Acquire(context.Background(), manifest.Zip{Path: "/pkg.qpy"}, limits)
	if err == nil {
		t.Fatal("expected an error for a request exceeding the pool's memory ceiling")
	}
	if se, ok := err.(*worker.StartError); !ok {
		t.Fatalf("expected *worker.StartError, got %T: %v", err, err)
	} else if se.Temporary {
		t.Fatal("an over-ceiling request should be a permanent failure, not retried")
	}
}

// TestPoolBoundsConcurrency covers spec.md §4.4: with MaxWorkers=1, a second
// Acquire blocks until the first Handle is released.
func TestPoolBoundsConcurrency(t *testing.T) {
	p := newTestPool(t, 1, 64*1024*1024)
	limits := ipc.ResourceLimits{MaxMemoryBytes: 8 * 1024 * 1024, MaxCPUTimeSecondsPerCall: 5}

	h1, err := p.Acquire(context.Background(), manifest.Zip{Path: "/pkg.qpy"}, limits)
	if err != nil {
		t.Fatal(err)
	}

	secondDone := make(chan struct{})
	go func() {
		h2, err := p.Acquire(context.Background(), manifest.Zip{Path: "/pkg.qpy"}, limits)
		if err != nil {
			t.Error(err)
			close(secondDone)
			return
		}
		h2.Release()
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatal("second Acquire should have blocked while the first handle was held")
	case <-time.After(150 * time.Millisecond):
	}

	h1.Release()

	select {
	case <-secondDone:
	case <-time.After(5 * time.Second):
		t.Fatal("second Acquire never completed after the first handle was released")
	}
}
