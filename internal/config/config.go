// Package config reads the server's settings from an INI file (path given
// via --config) overlaid with a .env file and QPY_<SECTION>__<KEY>
// environment variables, mirroring spec.md §6.4's settings sections
// (general, webservice, worker, cache_package, cache_repo_index, collector).
package config

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// GeneralConfig holds server-wide settings not scoped to any subsystem.
type GeneralConfig struct {
	MaxPackageSize   int64  // bytes; caps the "package" multipart part (spec.md §4.8)
	AllowLMSPackages bool   // whether uploaded (non-indexed) packages are accepted
	WorkerBinary     string // path to the qpyworker executable
}

// WebserviceConfig holds the HTTP listener settings.
type WebserviceConfig struct {
	Host string
	Port int
}

// WorkerConfig holds the pool-wide and per-worker resource limits of
// spec.md §4.4/§5.
type WorkerConfig struct {
	MaxWorkers               int
	MaxMemoryBytes           int64
	MaxMemoryPerWorker       int64
	MaxCPUTimeSecondsPerCall float64
}

// CacheConfig holds a single on-disk filelru.Cache's settings (shared shape
// for cache_package and cache_repo_index).
type CacheConfig struct {
	Directory string
	MaxSize   int64
}

// CollectorConfig holds the source collectors' settings.
type CollectorConfig struct {
	LocalDirs        []string
	RepoBaseURLs     []string
	RepoPollInterval time.Duration
}

// Config is the fully resolved server configuration.
type Config struct {
	General        GeneralConfig
	Webservice     WebserviceConfig
	Worker         WorkerConfig
	CachePackage   CacheConfig
	CacheRepoIndex CacheConfig
	Collector      CollectorConfig
}

// Default returns the built-in defaults applied before the INI file, .env
// overlay, and environment overrides are layered on top.
func Default() Config {
	return Config{
		General: GeneralConfig{
			MaxPackageSize:   100 * 1024 * 1024,
			AllowLMSPackages: true,
			WorkerBinary:     "./qpyworker",
		},
		Webservice: WebserviceConfig{
			Host: "0.0.0.0",
			Port: 9020,
		},
		Worker: WorkerConfig{
			MaxWorkers:               4,
			MaxMemoryBytes:           512 * 1024 * 1024,
			MaxMemoryPerWorker:       256 * 1024 * 1024,
			MaxCPUTimeSecondsPerCall: 10,
		},
		CachePackage: CacheConfig{
			Directory: "./cache/package",
			MaxSize:   1024 * 1024 * 1024,
		},
		CacheRepoIndex: CacheConfig{
			Directory: "./cache/repo_index",
			MaxSize:   256 * 1024 * 1024,
		},
		Collector: CollectorConfig{
			RepoPollInterval: time.Minute,
		},
	}
}

// iniDoc is a parsed, sectioned INI file: section name -> key -> value.
// The unnamed top-level section (before any [section] header) is kept
// under the empty string key.
type iniDoc map[string]map[string]string

// parseINI reads a minimal sectioned INI format: "[section]" headers,
// "key = value" pairs, "#" and ";" line comments, blank lines ignored.
// No nested sections, no multi-line values — spec.md's settings sections
// are flat key/value per section, so this deliberately stays small rather
// than pulling in a general INI library (see DESIGN.md).
func parseINI(path string) (iniDoc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc := iniDoc{}
	section := ""
	doc[section] = map[string]string{}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := doc[section]; !ok {
				doc[section] = map[string]string{}
			}
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("config: %s:%d: expected key = value", path, lineNo)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		doc[section][key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Load builds a Config from built-in defaults, an optional INI file at
// path, a .env overlay, and QPY_<SECTION>__<KEY> environment overrides, in
// that increasing order of precedence (spec.md §6's "Environment variables
// ... override").
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file found, using process environment")
	}

	cfg := Default()

	if path != "" {
		doc, err := parseINI(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		applyINI(&cfg, doc)
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyINI(cfg *Config, doc iniDoc) {
	g := sectionGetter(doc, "general")
	g.str(&cfg.General.WorkerBinary, "worker_binary")
	g.int64(&cfg.General.MaxPackageSize, "max_package_size")
	g.boolean(&cfg.General.AllowLMSPackages, "allow_lms_packages")

	w := sectionGetter(doc, "webservice")
	w.str(&cfg.Webservice.Host, "host")
	w.intv(&cfg.Webservice.Port, "port")

	wk := sectionGetter(doc, "worker")
	wk.intv(&cfg.Worker.MaxWorkers, "max_workers")
	wk.int64(&cfg.Worker.MaxMemoryBytes, "max_memory_bytes")
	wk.int64(&cfg.Worker.MaxMemoryPerWorker, "max_memory_per_worker")
	wk.float(&cfg.Worker.MaxCPUTimeSecondsPerCall, "max_cpu_time_seconds_per_call")

	cp := sectionGetter(doc, "cache_package")
	cp.str(&cfg.CachePackage.Directory, "directory")
	cp.int64(&cfg.CachePackage.MaxSize, "max_size")

	cr := sectionGetter(doc, "cache_repo_index")
	cr.str(&cfg.CacheRepoIndex.Directory, "directory")
	cr.int64(&cfg.CacheRepoIndex.MaxSize, "max_size")

	co := sectionGetter(doc, "collector")
	co.slice(&cfg.Collector.LocalDirs, "local_dirs")
	co.slice(&cfg.Collector.RepoBaseURLs, "repo_base_urls")
	co.duration(&cfg.Collector.RepoPollInterval, "repo_poll_interval_seconds")
}

// section is a bound view over one INI section plus the typed setters used
// by applyINI; each setter is a no-op when the key is absent, leaving the
// default already in *cfg untouched.
type section struct {
	values map[string]string
}

func sectionGetter(doc iniDoc, name string) section {
	return section{values: doc[name]}
}

func (s section) str(dst *string, key string) {
	if v, ok := s.values[key]; ok {
		*dst = v
	}
}

func (s section) intv(dst *int, key string) {
	if v, ok := s.values[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (s section) int64(dst *int64, key string) {
	if v, ok := s.values[key]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func (s section) float(dst *float64, key string) {
	if v, ok := s.values[key]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func (s section) boolean(dst *bool, key string) {
	if v, ok := s.values[key]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (s section) duration(dst *time.Duration, key string) {
	if v, ok := s.values[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func (s section) slice(dst *[]string, key string) {
	if v, ok := s.values[key]; ok {
		*dst = splitAndTrim(v)
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnv overrides cfg with QPY_<SECTION>__<KEY> environment variables,
// the highest-precedence layer (spec.md §6.4).
func applyEnv(cfg *Config) {
	env := map[string]map[string]string{}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "QPY_") {
			continue
		}
		eq := strings.Index(kv, "=")
		if eq < 0 {
			continue
		}
		key, val := kv[4:eq], kv[eq+1:]
		parts := strings.SplitN(key, "__", 2)
		if len(parts) != 2 {
			continue
		}
		section := strings.ToLower(parts[0])
		name := strings.ToLower(parts[1])
		if env[section] == nil {
			env[section] = map[string]string{}
		}
		env[section][name] = val
	}
	if len(env) == 0 {
		return
	}
	doc := iniDoc(env)
	applyINI(cfg, doc)
}
