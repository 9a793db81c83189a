// Package runtime implements the in-worker side of spec.md §4.2: the
// bootstrap exchange, the package-code handler table, and the single
// request/response dispatch loop that runs inside the isolated worker
// process (cmd/qpyworker).
package runtime

import (
	"errors"
	"fmt"
	"io"

	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"go.uber.org/zap"
)

// PackageHost is the seam between the dispatch loop and the actual
// question-package code. The shipping Zip/Dir variants implement this by
// launching the package's own entrypoint process (grounded on the
// appserver-worker teacher's exec.Cmd pattern, one layer further out); the
// Function variant implements it directly in-process for tests.
type PackageHost interface {
	Load(loc manifest.Location, main bool) error
	Manifest() (manifest.Manifest, error)
	GetOptionsForm(questionState []byte, user ipc.RequestUser) (ipc.GetOptionsFormResponse, error)
	CreateQuestionFromOptions(req ipc.CreateQuestionFromOptions) (ipc.CreateQuestionFromOptionsResponse, error)
	StartAttempt(req ipc.StartAttempt) (ipc.StartAttemptResponse, error)
	ViewAttempt(req ipc.ViewAttempt) (ipc.ViewAttemptResponse, error)
	ScoreAttempt(req ipc.ScoreAttempt) (ipc.ScoreAttemptResponse, error)
}

// ErrAbort signals the bootstrap or dispatch loop should terminate the
// worker process immediately (non-InitWorker first frame, unknown message
// id). An Exit message instead ends Loop cleanly with a nil error.
var ErrAbort = errors.New("runtime: abort")

// Loop runs the bootstrap exchange followed by the dispatch loop on conn,
// invoking host for each handler. It returns nil after a clean Exit, or an
// error that the caller (cmd/qpyworker's main) should log to stderr before
// exiting non-zero.
func Loop(conn *ipc.Conn, host PackageHost, log *zap.Logger) error {
	if err := bootstrap(conn, host, log); err != nil {
		return err
	}

	for {
		frame, err := conn.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if frame.ID == ipc.MsgExit {
			return nil
		}

		resp, respID, herr := dispatch(frame, host)
		if herr != nil {
			if errors.Is(herr, ErrAbort) {
				return herr
			}
			werr := toWorkerError(frame.ID, herr)
			payload, _ := ipc.Encode(werr)
			if err := conn.Write(ipc.Frame{ID: ipc.MsgWorkerError, Payload: payload}); err != nil {
				return err
			}
			continue
		}

		payload, err := ipc.Encode(resp)
		if err != nil {
			return fmt.Errorf("runtime: encode response: %w", err)
		}
		if err := conn.Write(ipc.Frame{ID: respID, Payload: payload}); err != nil {
			return err
		}
	}
}

func bootstrap(conn *ipc.Conn, host PackageHost, log *zap.Logger) error {
	frame, err := conn.Read()
	if err != nil {
		return fmt.Errorf("runtime: bootstrap read: %w", err)
	}
	if frame.ID != ipc.MsgInitWorker {
		return fmt.Errorf("%w: expected InitWorker, got message id %d", ErrAbort, frame.ID)
	}

	var init ipc.InitWorker
	if err := ipc.Decode(frame.Payload, &init); err != nil {
		return fmt.Errorf("runtime: decode InitWorker: %w", err)
	}

	if init.WorkerType != ipc.WorkerTypeThread {
		if err := ApplyMemoryLimit(uint64(init.Limits.MaxMemoryBytes)); err != nil {
			log.Warn("failed to apply memory rlimit", zap.Error(err))
		}
	}

	payload, err := ipc.Encode(ipc.InitWorkerResponse{})
	if err != nil {
		return err
	}
	return conn.Write(ipc.Frame{ID: ipc.MsgInitWorkerResponse, Payload: payload})
}

// dispatch routes one frame to its handler, returning the response value,
// its message id, or a handler error to be wrapped as WorkerError.
func dispatch(frame ipc.Frame, host PackageHost) (any, ipc.MessageID, error) {
	switch frame.ID {
	case ipc.MsgLoadPackage:
		var req ipc.LoadPackage
		if err := ipc.Decode(frame.Payload, &req); err != nil {
			return nil, 0, err
		}
		if err := host.Load(req.Location.Location, req.Main); err != nil {
			return nil, 0, err
		}
		return ipc.LoadPackageResponse{}, ipc.MsgLoadPackageResponse, nil

	case ipc.MsgGetManifest:
		m, err := host.Manifest()
		if err != nil {
			return nil, 0, err
		}
		return ipc.GetManifestResponse{Manifest: m}, ipc.MsgGetManifestResponse, nil

	case ipc.MsgGetOptionsForm:
		var req ipc.GetOptionsForm
		if err := ipc.Decode(frame.Payload, &req); err != nil {
			return nil, 0, err
		}
		resp, err := host.GetOptionsForm(req.QuestionState, req.RequestUser)
		if err != nil {
			return nil, 0, err
		}
		return resp, ipc.MsgGetOptionsFormResponse, nil

	case ipc.MsgCreateQuestionFromOptions:
		var req ipc.CreateQuestionFromOptions
		if err := ipc.Decode(frame.Payload, &req); err != nil {
			return nil, 0, err
		}
		resp, err := host.CreateQuestionFromOptions(req)
		if err != nil {
			return nil, 0, err
		}
		return resp, ipc.MsgCreateQuestionFromOptionsResponse, nil

	case ipc.MsgStartAttempt:
		var req ipc.StartAttempt
		if err := ipc.Decode(frame.Payload, &req); err != nil {
			return nil, 0, err
		}
		resp, err := host.StartAttempt(req)
		if err != nil {
			return nil, 0, err
		}
		return resp, ipc.MsgStartAttemptResponse, nil

	case ipc.MsgViewAttempt:
		var req ipc.ViewAttempt
		if err := ipc.Decode(frame.Payload, &req); err != nil {
			return nil, 0, err
		}
		resp, err := host.ViewAttempt(req)
		if err != nil {
			return nil, 0, err
		}
		return resp, ipc.MsgViewAttemptResponse, nil

	case ipc.MsgScoreAttempt:
		var req ipc.ScoreAttempt
		if err := ipc.Decode(frame.Payload, &req); err != nil {
			return nil, 0, err
		}
		resp, err := host.ScoreAttempt(req)
		if err != nil {
			return nil, 0, err
		}
		return resp, ipc.MsgScoreAttemptResponse, nil

	default:
		return nil, 0, fmt.Errorf("%w: unhandled message id %d", ErrAbort, frame.ID)
	}
}

// MemoryExceededError is returned by a PackageHost method to signal that
// the *handler itself* detected it is about to exceed its memory budget
// (as opposed to the OS rlimit killing the process outright, which the
// server observes as a process death instead).
type MemoryExceededError struct{ Message string }

func (e *MemoryExceededError) Error() string { return e.Message }

func toWorkerError(expected ipc.MessageID, err error) *ipc.WorkerError {
	kind := ipc.ErrorUnknown
	var memErr *MemoryExceededError
	if errors.As(err, &memErr) {
		kind = ipc.ErrorMemoryExceeded
	}
	return &ipc.WorkerError{
		ExpectedResponseID: responseIDFor(expected),
		Kind:               kind,
		Message:            err.Error(),
	}
}

// responseIDFor maps a request id to the response id the server is awaiting,
// so WorkerError.ExpectedResponseID lets the receive loop resolve the
// correct outstanding future even on failure.
func responseIDFor(req ipc.MessageID) ipc.MessageID {
	switch req {
	case ipc.MsgInitWorker:
		return ipc.MsgInitWorkerResponse
	case ipc.MsgLoadPackage:
		return ipc.MsgLoadPackageResponse
	case ipc.MsgGetManifest:
		return ipc.MsgGetManifestResponse
	case ipc.MsgGetOptionsForm:
		return ipc.MsgGetOptionsFormResponse
	case ipc.MsgCreateQuestionFromOptions:
		return ipc.MsgCreateQuestionFromOptionsResponse
	case ipc.MsgStartAttempt:
		return ipc.MsgStartAttemptResponse
	case ipc.MsgViewAttempt:
		return ipc.MsgViewAttemptResponse
	case ipc.MsgScoreAttempt:
		return ipc.MsgScoreAttemptResponse
	default:
		return ipc.MsgWorkerError
	}
}
