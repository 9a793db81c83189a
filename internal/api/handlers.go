package api

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/staticfile"
	"github.com/questionpy-go/questionpy-server/internal/worker"
	"github.com/questionpy-go/questionpy-server/internal/worker/pool"
)

// usage mirrors spec.md §6's ServerStatus.usage shape.
type usage struct {
	RequestsInProcess int `json:"requests_in_process"`
	RequestsInQueue   int `json:"requests_in_queue"`
}

type serverStatus struct {
	Version           string `json:"version"`
	AllowLMSPackages  bool   `json:"allow_lms_packages"`
	MaxPackageSize    int64  `json:"max_package_size"`
	Usage             usage  `json:"usage"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inProcess, inQueue := s.pool.Usage()
	writeJSON(w, s.log, http.StatusOK, serverStatus{
		Version:          version,
		AllowLMSPackages: s.cfg.General.AllowLMSPackages,
		MaxPackageSize:   s.cfg.General.MaxPackageSize,
		Usage:            usage{RequestsInProcess: inProcess, RequestsInQueue: inQueue},
	})
}

// packageVersionsInfo mirrors spec.md §6's PackageVersionsInfo: the highest
// version's manifest plus every version string known for that identifier,
// sorted descending (spec.md §8 scenario 6).
type packageVersionsInfo struct {
	Manifest manifest.Manifest `json:"manifest"`
	Versions []string          `json:"versions"`
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	byIdentifier := make(map[string][]*indexer.Package)
	for _, pkg := range s.indexer.GetPackages() {
		key := pkg.Manifest.Namespace + "/" + pkg.Manifest.ShortName
		byIdentifier[key] = append(byIdentifier[key], pkg)
	}

	out := make([]packageVersionsInfo, 0, len(byIdentifier))
	for _, pkgs := range byIdentifier {
		sort.Slice(pkgs, func(i, j int) bool {
			vi, erri := manifest.ParseSemver(pkgs[i].Manifest.Version)
			vj, errj := manifest.ParseSemver(pkgs[j].Manifest.Version)
			if erri != nil || errj != nil {
				return pkgs[i].Manifest.Version > pkgs[j].Manifest.Version
			}
			return vj.Less(vi)
		})
		versions := make([]string, len(pkgs))
		for i, p := range pkgs {
			versions[i] = p.Manifest.Version
		}
		out = append(out, packageVersionsInfo{Manifest: pkgs[0].Manifest, Versions: versions})
	}

	writeJSON(w, s.log, http.StatusOK, out)
}

// packageInfo mirrors spec.md §6's PackageInfo: a single package's manifest
// plus its content hash.
type packageInfo struct {
	Hash     string            `json:"hash"`
	Manifest manifest.Manifest `json:"manifest"`
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	pkg := s.indexer.GetByHash(hash)
	if pkg == nil {
		writeError(w, s.log, notFound(WhatPackage))
		return
	}
	writeJSON(w, s.log, http.StatusOK, packageInfo{Hash: pkg.Hash, Manifest: pkg.Manifest})
}

// handleExtractInfo implements POST /package-extract-info: a one-shot
// worker spawn over an uploaded archive, with no indexer registration
// (spec.md §9's per-call-worker design — this route never needs to be
// looked up again, so the package never joins the index).
func (s *Server) handleExtractInfo(w http.ResponseWriter, r *http.Request) {
	parsed, err := parseRequest(r, s.cfg.General.MaxPackageSize)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if !parsed.hasPackage {
		writeError(w, s.log, newRequestError(ErrInvalidRequest, false, "package part is required"))
		return
	}

	path, err := s.packageCache.Put(parsed.packageHash, parsed.packageData)
	if err != nil {
		writeError(w, s.log, newRequestError(ErrInvalidPackage, false, err.Error()))
		return
	}
	loc := manifest.Zip{Path: path}

	h, err := s.pool.Acquire(r.Context(), loc, s.defaultLimits)
	if err != nil {
		writeError(w, s.log, translatePoolError(err))
		return
	}
	defer h.Release()

	var resp ipc.GetManifestResponse
	err = h.Worker.SendAndWait(r.Context(), ipc.MsgGetManifest,
		ipc.GetManifest{Location: manifest.LocationBox{Location: loc}}, ipc.MsgGetManifestResponse, &resp, 0)
	if err != nil {
		writeError(w, s.log, translateWorkerError(err))
		return
	}

	writeJSON(w, s.log, http.StatusOK, packageVersionInfo{
		Manifest: resp.Manifest, Hash: parsed.packageHash, Size: int64(len(parsed.packageData)),
	})
}

// packageVersionInfo mirrors spec.md §6's PackageVersionInfo (the
// single-package form returned by package-extract-info).
type packageVersionInfo struct {
	Manifest manifest.Manifest `json:"manifest"`
	Hash     string            `json:"hash"`
	Size     int64             `json:"size"`
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	parsed, err := parseRequest(r, s.cfg.General.MaxPackageSize)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var main struct {
		Context     int             `json:"context"`
		RequestUser ipc.RequestUser `json:"request_user"`
	}
	if err := decodeMain(parsed, &main); err != nil {
		writeError(w, s.log, err)
		return
	}

	pkg, err := s.resolver.resolve(r.Context(), hash, parsed)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	var questionState []byte
	if parsed.hasQuestionState {
		questionState = parsed.questionState
	}

	h, _, err := s.acquireForPackage(r.Context(), pkg)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer h.Release()

	var resp ipc.GetOptionsFormResponse
	err = h.Worker.SendAndWait(r.Context(), ipc.MsgGetOptionsForm,
		ipc.GetOptionsForm{QuestionState: questionState, RequestUser: main.RequestUser},
		ipc.MsgGetOptionsFormResponse, &resp, 0)
	if err != nil {
		writeError(w, s.log, translateWorkerError(err))
		return
	}
	writeJSON(w, s.log, http.StatusOK, resp)
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	parsed, err := parseRequest(r, s.cfg.General.MaxPackageSize)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var main ipc.CreateQuestionFromOptions
	if err := decodeMain(parsed, &main); err != nil {
		writeError(w, s.log, err)
		return
	}
	if parsed.hasQuestionState {
		main.OldState = parsed.questionState
	}

	pkg, err := s.resolver.resolve(r.Context(), hash, parsed)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	h, _, err := s.acquireForPackage(r.Context(), pkg)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer h.Release()

	var resp ipc.CreateQuestionFromOptionsResponse
	err = h.Worker.SendAndWait(r.Context(), ipc.MsgCreateQuestionFromOptions, main,
		ipc.MsgCreateQuestionFromOptionsResponse, &resp, 0)
	if err != nil {
		writeError(w, s.log, translateWorkerError(err))
		return
	}
	writeJSON(w, s.log, http.StatusOK, resp)
}

func (s *Server) handleAttemptStart(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	parsed, err := parseRequest(r, s.cfg.General.MaxPackageSize)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var main ipc.StartAttempt
	if err := decodeMain(parsed, &main); err != nil {
		writeError(w, s.log, err)
		return
	}
	// attempt/start is the first call in the attempt lifecycle: a missing
	// question_state here is a malformed request, not a missing resource.
	questionState, err := requireQuestionState(parsed, false)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	main.QuestionState = questionState

	pkg, err := s.resolver.resolve(r.Context(), hash, parsed)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	h, _, err := s.acquireForPackage(r.Context(), pkg)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer h.Release()

	var resp ipc.StartAttemptResponse
	err = h.Worker.SendAndWait(r.Context(), ipc.MsgStartAttempt, main, ipc.MsgStartAttemptResponse, &resp, 0)
	if err != nil {
		writeError(w, s.log, translateWorkerError(err))
		return
	}
	writeJSON(w, s.log, http.StatusCreated, resp)
}

func (s *Server) handleAttemptView(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	parsed, err := parseRequest(r, s.cfg.General.MaxPackageSize)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var main ipc.ViewAttempt
	if err := decodeMain(parsed, &main); err != nil {
		writeError(w, s.log, err)
		return
	}
	// attempt/view only ever continues an attempt started by a prior
	// attempt/start call, so a missing question_state here means the caller
	// lost track of state that should already exist, not a malformed request.
	questionState, err := requireQuestionState(parsed, true)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	main.QuestionState = questionState

	pkg, err := s.resolver.resolve(r.Context(), hash, parsed)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	h, _, err := s.acquireForPackage(r.Context(), pkg)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer h.Release()

	var resp ipc.ViewAttemptResponse
	err = h.Worker.SendAndWait(r.Context(), ipc.MsgViewAttempt, main, ipc.MsgViewAttemptResponse, &resp, 0)
	if err != nil {
		writeError(w, s.log, translateWorkerError(err))
		return
	}
	writeJSON(w, s.log, http.StatusCreated, resp)
}

func (s *Server) handleAttemptScore(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	parsed, err := parseRequest(r, s.cfg.General.MaxPackageSize)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var main ipc.ScoreAttempt
	if err := decodeMain(parsed, &main); err != nil {
		writeError(w, s.log, err)
		return
	}
	// attempt/score likewise only ever continues an existing attempt.
	questionState, err := requireQuestionState(parsed, true)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	main.QuestionState = questionState

	pkg, err := s.resolver.resolve(r.Context(), hash, parsed)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	h, _, err := s.acquireForPackage(r.Context(), pkg)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer h.Release()

	var resp ipc.ScoreAttemptResponse
	err = h.Worker.SendAndWait(r.Context(), ipc.MsgScoreAttempt, main, ipc.MsgScoreAttemptResponse, &resp, 0)
	if err != nil {
		writeError(w, s.log, translateWorkerError(err))
		return
	}
	writeJSON(w, s.log, http.StatusCreated, resp)
}

// handleStaticFile implements spec.md §4.3/§8 scenario 2's server-side
// static-file retrieval: the archive is read directly, never through a
// worker, with year-long immutable caching since the hash in the URL
// doubles as the cache key.
func (s *Server) handleStaticFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hash, ns, short, relPath := vars["hash"], vars["ns"], vars["short"], vars["path"]

	parsed, err := parseRequest(r, s.cfg.General.MaxPackageSize)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	pkg, err := s.resolver.resolve(r.Context(), hash, parsed)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if pkg.Manifest.Namespace != ns || pkg.Manifest.ShortName != short {
		writeError(w, s.log, notFound(WhatPackage))
		return
	}

	sf, ok := pkg.Manifest.StaticFiles[relPath]
	if !ok {
		writeError(w, s.log, notFound(WhatPackage))
		return
	}

	loc, err := resolveLocation(r.Context(), pkg)
	if err != nil {
		writeError(w, s.log, newRequestError(ErrServerError, true, err.Error()))
		return
	}

	data, err := staticfile.Read(loc, relPath, sf.Size)
	if err != nil {
		var mismatch *staticfile.SizeMismatchError
		if errors.As(err, &mismatch) {
			writeError(w, s.log, newRequestError(ErrInvalidPackage, false, mismatch.Error()))
			return
		}
		if errors.Is(err, staticfile.ErrNotFound) {
			writeError(w, s.log, notFound(WhatPackage))
			return
		}
		writeError(w, s.log, newRequestError(ErrServerError, true, err.Error()))
		return
	}

	mimeType := sf.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "public, immutable, max-age=31536000")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// acquireForPackage resolves pkg's location and acquires a worker for it,
// translating both "no openable location" and pool-acquisition failures
// into the spec's RequestError taxonomy.
func (s *Server) acquireForPackage(ctx context.Context, pkg *indexer.Package) (*pool.Handle, manifest.Location, error) {
	loc, err := resolveLocation(ctx, pkg)
	if err != nil {
		return nil, nil, newRequestError(ErrInvalidPackage, false, err.Error())
	}
	h, err := s.pool.Acquire(ctx, loc, s.defaultLimits)
	if err != nil {
		return nil, nil, translatePoolError(err)
	}
	return h, loc, nil
}

// translatePoolError and translateWorkerError map the underlying worker/pool
// failure modes onto spec.md §7's RequestError taxonomy.
func translatePoolError(err error) error {
	var startErr *worker.StartError
	if errors.As(err, &startErr) {
		return newRequestError(ErrServerError, startErr.Temporary, startErr.Error())
	}
	return newRequestError(ErrServerError, true, err.Error())
}

func translateWorkerError(err error) error {
	switch {
	case errors.As(err, new(*worker.CPUTimeLimitExceeded)):
		return newRequestError(ErrWorkerTimeout, true, err.Error())
	case errors.As(err, new(*worker.RealTimeLimitExceeded)):
		return newRequestError(ErrWorkerTimeout, true, err.Error())
	case errors.As(err, new(*worker.MemoryExceeded)):
		return newRequestError(ErrOutOfMemory, true, err.Error())
	case errors.As(err, new(*worker.NotRunning)):
		return newRequestError(ErrServerError, true, err.Error())
	}

	var werr *ipc.WorkerError
	if errors.As(err, &werr) {
		if werr.Kind == ipc.ErrorMemoryExceeded {
			return newRequestError(ErrOutOfMemory, true, werr.Message)
		}
		return newRequestError(ErrPackageError, false, werr.Message)
	}

	return newRequestError(ErrServerError, true, err.Error())
}
