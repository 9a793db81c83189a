// Package worker implements the in-server worker handle of spec.md §4.3: it
// owns one isolated worker process, tracks its state machine, and mediates
// every request/response exchange with it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/metrics"
	wruntime "github.com/questionpy-go/questionpy-server/internal/worker/runtime"
	"go.uber.org/zap"
)

// State is the worker's lifecycle state machine (spec.md §3).
type State int

const (
	NotRunning State = iota
	Idle
	AwaitsResponse
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "NOT_RUNNING"
	case Idle:
		return "IDLE"
	case AwaitsResponse:
		return "SERVER_AWAITS_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// RealTimeFactor is k in spec.md §4.3's real_start + k*L wall-clock bound.
const RealTimeFactor = 3

const (
	initTimeout = 2 * time.Second
	loadTimeout = 4 * time.Second
)

type pending struct {
	expected ipc.MessageID
	resultCh chan pendingResult
}

type pendingResult struct {
	frame ipc.Frame
	err   error
}

// Worker owns one subprocess running cmd/qpyworker.
type Worker struct {
	binPath  string
	location manifest.Location
	limits   ipc.ResourceLimits
	typ      ipc.WorkerType
	log      *zap.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	conn    *ipc.Conn
	stdin   io.WriteCloser
	pending *pending
	exited  bool
	exitErr error

	stderrBuf *wruntime.BoundedBuffer
}

// New constructs a Worker bound to one package location. binPath is the
// path to the qpyworker executable, which Start spawns for every worker
// type. ipc.WorkerTypeThread workers run the same subprocess; they differ
// only in that the time-limit enforcer is skipped and the worker runtime
// applies no memory rlimit (spec.md §4.3).
func New(binPath string, loc manifest.Location, limits ipc.ResourceLimits, typ ipc.WorkerType, log *zap.Logger) *Worker {
	return &Worker{
		binPath:   binPath,
		location:  loc,
		limits:    limits,
		typ:       typ,
		log:       log,
		state:     NotRunning,
		stderrBuf: wruntime.NewBoundedBuffer(wruntime.DefaultStderrCapBytes),
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start spawns the worker, performs the InitWorker + LoadPackage(main=true)
// bootstrap, and leaves the worker IDLE on success (spec.md §4.3).
func (w *Worker) Start(ctx context.Context) error {
	cmd := exec.Command(w.binPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartError{Temporary: true, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartError{Temporary: true, Err: err}
	}
	cmd.Stderr = w.stderrBuf

	if err := cmd.Start(); err != nil {
		return &StartError{Temporary: true, Err: err}
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.conn = ipc.NewSplitConn(stdout, stdin, stdin, ipc.WorkerToServerRange)
	w.mu.Unlock()

	go w.waitLoop()

	if err := w.handshakeInit(ctx); err != nil {
		w.kill("bootstrap_failed")
		return err
	}
	if err := w.handshakeLoad(ctx); err != nil {
		w.kill("bootstrap_failed")
		return err
	}

	w.mu.Lock()
	w.state = Idle
	w.mu.Unlock()

	go w.receiveLoop()

	return nil
}

func (w *Worker) handshakeInit(ctx context.Context) error {
	payload, err := ipc.Encode(ipc.InitWorker{Limits: w.limits, WorkerType: w.typ})
	if err != nil {
		return &StartError{Temporary: false, Err: err}
	}
	if err := w.conn.Write(ipc.Frame{ID: ipc.MsgInitWorker, Payload: payload}); err != nil {
		return &StartError{Temporary: true, Err: err}
	}
	frame, err := w.readOneWithTimeout(ctx, initTimeout)
	if err != nil {
		return &StartError{Temporary: isTemporaryBootstrapError(err), Err: err}
	}
	if frame.ID == ipc.MsgWorkerError {
		var werr ipc.WorkerError
		_ = ipc.Decode(frame.Payload, &werr)
		return &StartError{Temporary: werr.Kind == ipc.ErrorMemoryExceeded, Err: &werr}
	}
	return nil
}

func (w *Worker) handshakeLoad(ctx context.Context) error {
	payload, err := ipc.Encode(ipc.LoadPackage{Location: manifest.LocationBox{Location: w.location}, Main: true})
	if err != nil {
		return &StartError{Temporary: false, Err: err}
	}
	if err := w.conn.Write(ipc.Frame{ID: ipc.MsgLoadPackage, Payload: payload}); err != nil {
		return &StartError{Temporary: true, Err: err}
	}
	frame, err := w.readOneWithTimeout(ctx, loadTimeout)
	if err != nil {
		return &StartError{Temporary: isTemporaryBootstrapError(err), Err: err}
	}
	if frame.ID == ipc.MsgWorkerError {
		var werr ipc.WorkerError
		_ = ipc.Decode(frame.Payload, &werr)
		// A bad manifest/package is a permanent failure; an OOM while
		// importing the entrypoint is transient.
		return &StartError{Temporary: werr.Kind == ipc.ErrorMemoryExceeded, Err: &werr}
	}
	return nil
}

// readOneWithTimeout reads a single frame synchronously, used only during
// the pre-IDLE bootstrap before the receive loop/pending machinery exists.
func (w *Worker) readOneWithTimeout(ctx context.Context, timeout time.Duration) (ipc.Frame, error) {
	type res struct {
		frame ipc.Frame
		err   error
	}
	ch := make(chan res, 1)
	go func() {
		f, err := w.conn.Read()
		ch <- res{f, err}
	}()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-tctx.Done():
		return ipc.Frame{}, tctx.Err()
	}
}

// isTemporaryBootstrapError classifies a non-WorkerError bootstrap failure
// (timeout, pipe closed, process died before responding) as temporary: none
// of these are attributable to a specific, reproducible fault in the
// package's manifest the way a decoded WorkerError can be.
func isTemporaryBootstrapError(err error) bool {
	return true
}

// waitLoop is observer task (b): it waits for process exit and tears
// everything down the moment that happens, regardless of which of the
// three observer tasks notices trouble first.
func (w *Worker) waitLoop() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()

	err := cmd.Wait()
	w.onTerminal(fmt.Errorf("worker: process exited: %w", errOrExited(err)))
}

func errOrExited(err error) error {
	if err == nil {
		return errors.New("clean exit")
	}
	return err
}

// receiveLoop is observer task (a): it reads frames and resolves the single
// outstanding pending future (spec.md §4.3's mutual-exclusion invariant:
// "outstanding is non-empty only while state = SERVER_AWAITS_RESPONSE").
func (w *Worker) receiveLoop() {
	for {
		frame, err := w.conn.Read()
		if err != nil {
			w.onTerminal(fmt.Errorf("worker: receive loop: %w", err))
			return
		}

		w.mu.Lock()
		p := w.pending
		w.mu.Unlock()
		if p == nil {
			continue // stray frame with nothing awaiting it; ignore
		}

		if frame.ID == ipc.MsgWorkerError {
			var werr ipc.WorkerError
			if decErr := ipc.Decode(frame.Payload, &werr); decErr == nil && werr.ExpectedResponseID == p.expected {
				p.resultCh <- pendingResult{err: &werr}
				continue
			}
		}
		if frame.ID == p.expected {
			p.resultCh <- pendingResult{frame: frame}
		}
	}
}

// onTerminal runs exactly once: it transitions to NOT_RUNNING, kills the
// process if still alive, and fails any outstanding future.
func (w *Worker) onTerminal(cause error) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}
	w.exited = true
	w.exitErr = cause
	w.state = NotRunning
	p := w.pending
	w.pending = nil
	cmd := w.cmd
	w.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if p != nil {
		p.resultCh <- pendingResult{err: cause}
	}
}

// SendAndWait implements spec.md §4.3's core exchange: send msg, await a
// typed response within timeout (defaulting to the worker's per-call CPU
// budget), restoring IDLE on success or on a WorkerError reply, and tearing
// the worker down on a write or decode failure, a time-limit violation or
// cancellation. respPtr is filled with the decoded response on success.
func (w *Worker) SendAndWait(ctx context.Context, id ipc.MessageID, msg any, expectedResponseID ipc.MessageID, respPtr any, timeout time.Duration) error {
	w.mu.Lock()
	if w.state != Idle {
		w.mu.Unlock()
		return &NotRunning{}
	}
	p := &pending{expected: expectedResponseID, resultCh: make(chan pendingResult, 1)}
	w.pending = p
	w.state = AwaitsResponse
	w.mu.Unlock()

	payload, err := ipc.Encode(msg)
	if err != nil {
		w.restoreIdle()
		return err
	}
	if err := w.conn.Write(ipc.Frame{ID: id, Payload: payload}); err != nil {
		w.onTerminal(fmt.Errorf("worker: write request: %w", err))
		return err
	}

	if timeout <= 0 {
		timeout = time.Duration(w.limits.MaxCPUTimeSecondsPerCall * float64(time.Second))
	}
	enforcerDone := make(chan struct{})
	go w.timeLimitEnforcer(p, timeout, enforcerDone)
	defer close(enforcerDone)

	select {
	case res := <-p.resultCh:
		if res.err != nil {
			w.restoreIdle()
			return res.err
		}
		if err := ipc.Decode(res.frame.Payload, respPtr); err != nil {
			w.onTerminal(fmt.Errorf("worker: decode response: %w", err))
			return err
		}
		w.restoreIdle()
		return nil
	case <-ctx.Done():
		// HTTP-level cancellation: the mid-exchange worker state cannot be
		// safely resumed, so it is killed (spec.md §5 "Cancellation").
		w.onTerminal(fmt.Errorf("worker: request cancelled: %w", ctx.Err()))
		return ctx.Err()
	}
}

func (w *Worker) restoreIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == AwaitsResponse {
		w.state = Idle
	}
	w.pending = nil
}

// timeLimitEnforcer implements spec.md §4.3's CPU/real-time enforcement
// loop. It runs for the duration of one SendAndWait call and is cancelled
// via done once that call returns by any path.
func (w *Worker) timeLimitEnforcer(p *pending, L time.Duration, done <-chan struct{}) {
	if w.typ == ipc.WorkerTypeThread {
		return // thread workers never enforce limits (spec.md §4.3)
	}

	w.mu.Lock()
	pid := 0
	if w.cmd != nil && w.cmd.Process != nil {
		pid = w.cmd.Process.Pid
	}
	w.mu.Unlock()
	if pid == 0 {
		return
	}

	cpuStart, cpuErr := processCPUTime(pid)
	realStart := time.Now()

	sleepFor := L
	for {
		select {
		case <-done:
			return
		case <-time.After(sleepFor):
		}

		select {
		case <-done:
			return
		default:
		}

		remainingReal := realStart.Add(RealTimeFactor * L).Sub(time.Now())
		if remainingReal <= 0 {
			w.failPending(p, &RealTimeLimitExceeded{})
			return
		}

		var remainingCPU time.Duration
		if cpuErr == nil {
			cpuNow, err := processCPUTime(pid)
			if err == nil {
				remainingCPU = cpuStart + L - cpuNow
				if remainingCPU <= 0 {
					w.failPending(p, &CPUTimeLimitExceeded{})
					return
				}
			} else {
				remainingCPU = remainingReal
			}
		} else {
			remainingCPU = remainingReal
		}

		sleepFor = remainingCPU
		if remainingReal < sleepFor {
			sleepFor = remainingReal
		}
		if sleepFor < 50*time.Millisecond {
			sleepFor = 50 * time.Millisecond
		}
	}
}

func (w *Worker) failPending(p *pending, err error) {
	w.mu.Lock()
	same := w.pending == p
	w.mu.Unlock()
	if !same {
		return
	}
	metrics.WorkersKilled.WithLabelValues("time_limit").Inc()
	w.onTerminal(err)
}

// Stop sends Exit and waits up to grace for the process to exit cleanly,
// killing it otherwise (spec.md §4.3).
func (w *Worker) Stop(grace time.Duration) {
	w.mu.Lock()
	if w.exited || w.conn == nil {
		w.mu.Unlock()
		return
	}
	conn := w.conn
	w.mu.Unlock()

	payload, _ := ipc.Encode(ipc.Exit{})
	_ = conn.Write(ipc.Frame{ID: ipc.MsgExit, Payload: payload})

	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		exited := w.exited
		w.mu.Unlock()
		for !exited {
			time.Sleep(10 * time.Millisecond)
			w.mu.Lock()
			exited = w.exited
			w.mu.Unlock()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		w.kill("grace_timeout")
	}
}

// Kill unconditionally terminates the worker.
func (w *Worker) Kill() { w.kill("external") }

func (w *Worker) kill(cause string) {
	metrics.WorkersKilled.WithLabelValues(cause).Inc()
	w.onTerminal(errors.New("worker: killed"))
}

// StderrTail returns the captured stderr output and how many bytes beyond
// the cap were discarded, for diagnostics on worker failure.
func (w *Worker) StderrTail() ([]byte, int64) {
	return w.stderrBuf.Bytes(), w.stderrBuf.Discarded()
}
