package api

import (
	"context"
	"fmt"

	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/collector/lms"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
)

// ctxPathSource and pathSource are the two GetPath shapes the three
// collectors expose (repo's needs a context for its download; local's and
// lms's don't); resolveLocation tries both rather than widening Source
// itself, since most Source implementations never need a path at all.
type ctxPathSource interface {
	GetPath(ctx context.Context, hash string) (string, error)
}

type pathSource interface {
	GetPath(hash string) (string, error)
}

// resolveLocation returns an openable Location for pkg, downloading it via
// whichever of its sources can produce a path if it was registered without
// one (spec.md §4.7: a repository-discovered package has no Location until
// its archive is first fetched).
func resolveLocation(ctx context.Context, pkg *indexer.Package) (manifest.Location, error) {
	if pkg.Location != nil {
		return pkg.Location, nil
	}
	for _, src := range pkg.Sources() {
		if cps, ok := src.(ctxPathSource); ok {
			path, err := cps.GetPath(ctx, pkg.Hash)
			if err != nil {
				continue
			}
			return manifest.Zip{Path: path}, nil
		}
		if ps, ok := src.(pathSource); ok {
			path, err := ps.GetPath(pkg.Hash)
			if err != nil {
				continue
			}
			return manifest.Zip{Path: path}, nil
		}
	}
	return nil, fmt.Errorf("resolve location: no source for package %s could produce a path", pkg.Hash)
}

// packageResolver implements pipeline check 3 (spec.md §4.8): resolving a
// package from the URI hash and/or a multipart "package" part.
type packageResolver struct {
	indexer         *indexer.Indexer
	lms             *lms.Collector
	allowLMSUploads bool
}

// resolve implements the three-way precedence of spec.md §4.8.3.
func (pr *packageResolver) resolve(ctx context.Context, uriHash string, parsed *parsedRequest) (*indexer.Package, error) {
	if uriHash != "" && parsed.hasPackage && parsed.packageHash != uriHash {
		return nil, newRequestError(ErrInvalidPackage, false,
			fmt.Sprintf("URI hash %s does not match uploaded package hash %s", uriHash, parsed.packageHash))
	}

	if uriHash != "" {
		if pkg := pr.indexer.GetByHash(uriHash); pkg != nil {
			return pkg, nil
		}
		if parsed.hasPackage {
			return pr.upload(ctx, parsed)
		}
		return nil, notFound(WhatPackage)
	}

	if !parsed.hasPackage {
		return nil, newRequestError(ErrInvalidRequest, false, "no package hash in the URI and no package part in the request body")
	}
	return pr.upload(ctx, parsed)
}

func (pr *packageResolver) upload(ctx context.Context, parsed *parsedRequest) (*indexer.Package, error) {
	if !pr.allowLMSUploads {
		return nil, newRequestError(ErrInvalidRequest, false, "package uploads are disabled on this server")
	}
	pkg, err := pr.lms.Put(ctx, lms.HashContainer{Hash: parsed.packageHash, Data: parsed.packageData})
	if err != nil {
		return nil, fmt.Errorf("register uploaded package: %w", err)
	}
	return pkg, nil
}
