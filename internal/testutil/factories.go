// Package testutil provides small constructor helpers for the fixtures
// _test.go files across the module build repeatedly: manifests, indexed
// packages, and the opaque question/attempt state blobs a worker exchanges
// with the server. Ported from questionpy_server/factories/, in the
// teacher's build-a-minimal-struct-and-exercise-it style (cmd/smoke).
package testutil

import (
	"encoding/json"

	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
)

// NewManifest returns a minimal manifest that passes Validate, with any
// mutators applied afterward so callers can override just the fields they
// care about.
func NewManifest(mutators ...func(*manifest.Manifest)) manifest.Manifest {
	m := manifest.Manifest{
		Namespace:  "testns",
		ShortName:  "testquestion",
		Version:    "1.0.0",
		APIVersion: "1",
		Author:     "testutil",
		Type:       manifest.QuestionType,
	}
	for _, mut := range mutators {
		mut(&m)
	}
	return m
}

// NewPackage builds an indexer.Package suitable for tests that only read a
// package's hash/manifest/location and never touch its source set.
func NewPackage(hash string, m manifest.Manifest, loc manifest.Location) *indexer.Package {
	return &indexer.Package{Hash: hash, Manifest: m, Location: loc}
}

// NewState marshals fields into the opaque JSON blob question_state and
// attempt_state are carried as on the wire.
func NewState(fields map[string]any) []byte {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		panic(err) // fields is caller-controlled test data, never unmarshalable
	}
	return data
}

// NewRequestUser returns a RequestUser with the given preferred languages,
// defaulting to English when none are given.
func NewRequestUser(languages ...string) ipc.RequestUser {
	if len(languages) == 0 {
		languages = []string{"en"}
	}
	return ipc.RequestUser{PreferredLanguages: languages}
}
