// Command qpyworker is the isolated worker process spawned by the server
// for each Pool.Acquire call (spec.md §4.2, §4.4). It speaks the framed IPC
// protocol over its stdin/stdout and exits once the dispatch loop returns.
package main

import (
	"os"

	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/worker/runtime"
	"go.uber.org/zap"
)

// dynamicHost resolves the real PackageHost lazily once LoadPackage names
// the location, since the bootstrap InitWorker frame precedes it.
type dynamicHost struct {
	inner runtime.PackageHost
}

func (h *dynamicHost) Load(loc manifest.Location, main bool) error {
	var host runtime.PackageHost
	switch l := loc.(type) {
	case manifest.Function:
		fh, err := runtime.NewFunctionHost(l)
		if err != nil {
			return err
		}
		host = fh
	default:
		host = runtime.NewExecHost()
	}
	if err := host.Load(loc, main); err != nil {
		return err
	}
	h.inner = host
	return nil
}

func (h *dynamicHost) Manifest() (manifest.Manifest, error) { return h.inner.Manifest() }

func (h *dynamicHost) GetOptionsForm(qs []byte, u ipc.RequestUser) (ipc.GetOptionsFormResponse, error) {
	return h.inner.GetOptionsForm(qs, u)
}

func (h *dynamicHost) CreateQuestionFromOptions(req ipc.CreateQuestionFromOptions) (ipc.CreateQuestionFromOptionsResponse, error) {
	return h.inner.CreateQuestionFromOptions(req)
}

func (h *dynamicHost) StartAttempt(req ipc.StartAttempt) (ipc.StartAttemptResponse, error) {
	return h.inner.StartAttempt(req)
}

func (h *dynamicHost) ViewAttempt(req ipc.ViewAttempt) (ipc.ViewAttemptResponse, error) {
	return h.inner.ViewAttempt(req)
}

func (h *dynamicHost) ScoreAttempt(req ipc.ScoreAttempt) (ipc.ScoreAttemptResponse, error) {
	return h.inner.ScoreAttempt(req)
}

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	// Package code is run as a child process of this worker (ExecHost) with
	// its own stdout captured into a buffer, never inherited, so nothing but
	// this loop ever writes to our stdout and the framed channel stays clean
	// (spec.md §4.2).
	conn := ipc.NewSplitConn(os.Stdin, os.Stdout, nil, ipc.ServerToWorkerRange)
	host := &dynamicHost{}

	if err := runtime.Loop(conn, host, log); err != nil {
		log.Error("worker loop exited with error", zap.Error(err))
		os.Exit(1)
	}
}
