package runtime

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
)

// ExecHost is the PackageHost for the shipping Zip/Dir locations. Per
// spec.md §1, the in-package question-type code itself is an external
// collaborator; this host specifies only the message contract to it: the
// package's dist/<entrypoint> executable is invoked once per handler call
// with the method name as argv[1], the JSON-encoded request on stdin, and
// is expected to write a JSON-encoded response to stdout and exit 0, or
// write a human-readable error to stderr and exit non-zero.
type ExecHost struct {
	root     string // extracted dist/ directory
	manifest manifest.Manifest
	tmpDir   string // non-empty if root was extracted from a zip and must be cleaned up
}

func NewExecHost() *ExecHost { return &ExecHost{} }

func (h *ExecHost) Load(loc manifest.Location, main bool) error {
	var distRoot string
	switch l := loc.(type) {
	case manifest.Dir:
		distRoot = filepath.Join(l.Path, "dist")
	case manifest.Zip:
		dir, err := os.MkdirTemp("", "qpy-pkg-*")
		if err != nil {
			return fmt.Errorf("exechost: extract tmpdir: %w", err)
		}
		if err := extractZip(l.Path, dir); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("exechost: extract zip: %w", err)
		}
		h.tmpDir = dir
		distRoot = filepath.Join(dir, "dist")
	default:
		return fmt.Errorf("exechost: unsupported location %T for archive loading", loc)
	}

	manifestPath := filepath.Join(distRoot, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("exechost: read manifest: %w", err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("exechost: parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("exechost: invalid manifest: %w", err)
	}
	for path, sf := range m.StaticFiles {
		info, err := os.Stat(filepath.Join(distRoot, filepath.FromSlash(path)))
		if err != nil {
			return fmt.Errorf("exechost: static file %q: %w", path, err)
		}
		if info.Size() != sf.Size {
			return fmt.Errorf("exechost: static file %q size mismatch: manifest says %d, disk has %d",
				path, sf.Size, info.Size())
		}
	}

	h.root = distRoot
	h.manifest = m

	if main {
		if err := h.run("ping", nil, nil); err != nil {
			return fmt.Errorf("exechost: import entrypoint: %w", err)
		}
	}
	return nil
}

func (h *ExecHost) Cleanup() {
	if h.tmpDir != "" {
		os.RemoveAll(h.tmpDir)
	}
}

func (h *ExecHost) Manifest() (manifest.Manifest, error) {
	return h.manifest, nil
}

func (h *ExecHost) GetOptionsForm(questionState []byte, user ipc.RequestUser) (ipc.GetOptionsFormResponse, error) {
	var resp ipc.GetOptionsFormResponse
	req := map[string]any{"question_state": questionState, "request_user": user}
	err := h.run("get_options_form", req, &resp)
	return resp, err
}

func (h *ExecHost) CreateQuestionFromOptions(req ipc.CreateQuestionFromOptions) (ipc.CreateQuestionFromOptionsResponse, error) {
	var resp ipc.CreateQuestionFromOptionsResponse
	err := h.run("create_question_from_options", req, &resp)
	return resp, err
}

func (h *ExecHost) StartAttempt(req ipc.StartAttempt) (ipc.StartAttemptResponse, error) {
	var resp ipc.StartAttemptResponse
	err := h.run("start_attempt", req, &resp)
	return resp, err
}

func (h *ExecHost) ViewAttempt(req ipc.ViewAttempt) (ipc.ViewAttemptResponse, error) {
	var resp ipc.ViewAttemptResponse
	err := h.run("view_attempt", req, &resp)
	return resp, err
}

func (h *ExecHost) ScoreAttempt(req ipc.ScoreAttempt) (ipc.ScoreAttemptResponse, error) {
	var resp ipc.ScoreAttemptResponse
	err := h.run("score_attempt", req, &resp)
	return resp, err
}

func (h *ExecHost) run(method string, req any, resp any) error {
	entrypoint := filepath.Join(h.root, h.manifest.EntrypointOrDefault())
	cmd := exec.Command(entrypoint, method)

	if req != nil {
		in, err := json.Marshal(req)
		if err != nil {
			return err
		}
		cmd.Stdin = bytes.NewReader(in)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("exechost: %s: %s", method, msg)
	}

	if resp != nil && stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
			return fmt.Errorf("exechost: decode %s response: %w", method, err)
		}
	}
	return nil
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
