// Package api implements the HTTP surface of spec.md §4.8/§4.9/§6: the
// request pipeline, package resolution, route handlers, and the single
// RequestError taxonomy mapped onto HTTP (§7).
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/questionpy-go/questionpy-server/internal/cache/filelru"
	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/collector/local"
	"github.com/questionpy-go/questionpy-server/internal/collector/lms"
	"github.com/questionpy-go/questionpy-server/internal/collector/repo"
	"github.com/questionpy-go/questionpy-server/internal/config"
	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/worker"
	"github.com/questionpy-go/questionpy-server/internal/worker/pool"
	"go.uber.org/zap"
)

// version is reported by GET /status.
const version = "1.0.0"

// Server is the HTTP application: the sole owner of the pool, indexer,
// caches and collectors (spec.md §9 "Global state": no process-wide
// singletons, everything hangs off one value).
type Server struct {
	cfg *config.Config
	log *zap.Logger

	pool    *pool.Pool
	indexer *indexer.Indexer

	packageCache   *filelru.Cache
	repoIndexCache *filelru.Cache

	lms    *lms.Collector
	locals []*local.Collector
	repos  []*repo.Collector

	resolver *packageResolver
	router   *mux.Router
	srv      *http.Server

	defaultLimits ipc.ResourceLimits
	startTime     time.Time
}

// New builds a fully wired Server from cfg. It opens the on-disk caches but
// does not start collector polling or listen for connections; call Start
// and then Run for that.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	packageCache, err := filelru.New(cfg.CachePackage.Directory, cfg.CachePackage.MaxSize, log,
		filelru.WithExtension("qpy"), filelru.WithName("package cache"))
	if err != nil {
		return nil, fmt.Errorf("api: open package cache: %w", err)
	}
	repoIndexCache, err := filelru.New(cfg.CacheRepoIndex.Directory, cfg.CacheRepoIndex.MaxSize, log,
		filelru.WithExtension("json.gz"), filelru.WithName("repo index cache"))
	if err != nil {
		return nil, fmt.Errorf("api: open repo index cache: %w", err)
	}

	defaultLimits := ipc.ResourceLimits{
		MaxMemoryBytes:           cfg.Worker.MaxMemoryPerWorker,
		MaxCPUTimeSecondsPerCall: cfg.Worker.MaxCPUTimeSecondsPerCall,
	}

	factory := func(loc manifest.Location, limits ipc.ResourceLimits) *worker.Worker {
		return worker.New(cfg.General.WorkerBinary, loc, limits, ipc.WorkerTypeProcess, log)
	}
	workerPool := pool.New(cfg.Worker.MaxWorkers, cfg.Worker.MaxMemoryBytes, factory, log)

	ix := indexer.New(&workerManifestResolver{pool: workerPool, defaultLimits: defaultLimits}, log)

	lmsCollector := lms.New(packageCache, ix, log)

	locals := make([]*local.Collector, 0, len(cfg.Collector.LocalDirs))
	for _, dir := range cfg.Collector.LocalDirs {
		locals = append(locals, local.New(dir, ix, log))
	}

	repos := make([]*repo.Collector, 0, len(cfg.Collector.RepoBaseURLs))
	for _, baseURL := range cfg.Collector.RepoBaseURLs {
		repos = append(repos, repo.New(baseURL, packageCache, ix, log, repo.WithIndexCache(repoIndexCache)))
	}

	s := &Server{
		cfg:            cfg,
		log:            log,
		pool:           workerPool,
		indexer:        ix,
		packageCache:   packageCache,
		repoIndexCache: repoIndexCache,
		lms:            lmsCollector,
		locals:         locals,
		repos:          repos,
		resolver:       &packageResolver{indexer: ix, lms: lmsCollector, allowLMSUploads: cfg.General.AllowLMSPackages},
		defaultLimits:  defaultLimits,
	}
	s.routes()
	return s, nil
}

// Start brings every collector to its initial state: local collectors index
// whatever is already on disk, repository collectors run their first poll.
// Ongoing polling (local's SIGUSR1-triggered rescan, repo's interval Run) is
// launched as background goroutines tied to ctx.
func (s *Server) Start(ctx context.Context) error {
	for _, c := range s.locals {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("api: start local collector %s: %w", c.ID(), err)
		}
	}
	go s.watchLocalRescanSignal(ctx)

	for _, c := range s.repos {
		if err := c.Poll(ctx); err != nil {
			s.log.Warn("initial repository poll failed", zap.String("collector", c.ID()), zap.Error(err))
		}
		go c.Run(ctx, s.cfg.Collector.RepoPollInterval)
	}
	s.startTime = time.Now()
	return nil
}

// watchLocalRescanSignal re-scans every local collector's directory on
// SIGUSR1, mirroring spec.md §4.7's "triggered ... on an external signal".
func (s *Server) watchLocalRescanSignal(ctx context.Context) {
	if len(s.locals) == 0 {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			for _, c := range s.locals {
				if err := c.Update(ctx); err != nil {
					s.log.Warn("local collector rescan failed", zap.String("collector", c.ID()), zap.Error(err))
				}
			}
		}
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. There
// is no persistent warm-worker state to flush on teardown: every worker is
// started per-call and released back through the pool as its handle goes
// out of scope (spec.md §9).
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Webservice.Host, s.cfg.Webservice.Port)
	s.srv = &http.Server{
		Addr: addr,
		Handler: chain(s.router,
			loggingMiddleware(s.log),
			recoveryMiddleware(s.log),
			securityHeadersMiddleware,
			requestIDMiddleware,
		),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/packages", s.handleListPackages).Methods(http.MethodGet)
	r.HandleFunc("/packages/{hash}", s.handleGetPackage).Methods(http.MethodGet)
	r.HandleFunc("/package-extract-info", s.handleExtractInfo).Methods(http.MethodPost)
	r.HandleFunc("/packages/{hash}/options", s.handleOptions).Methods(http.MethodPost)
	r.HandleFunc("/packages/{hash}/question", s.handleQuestion).Methods(http.MethodPost)
	r.HandleFunc("/packages/{hash}/attempt/start", s.handleAttemptStart).Methods(http.MethodPost)
	r.HandleFunc("/packages/{hash}/attempt/view", s.handleAttemptView).Methods(http.MethodPost)
	r.HandleFunc("/packages/{hash}/attempt/score", s.handleAttemptScore).Methods(http.MethodPost)
	r.HandleFunc("/packages/{hash}/file/{ns}/{short}/static/{path:.*}", s.handleStaticFile).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Use(metricsMiddleware)

	s.router = r
}
