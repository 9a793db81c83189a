package manifest

// Location is the tagged-union PackageLocation of spec.md §3: the shipping
// variants (Zip, Dir) carry only a filesystem path; the Function variant
// exists for tests and carries an already-resolved manifest plus an
// in-process entry function name so no subprocess needs to be spawned.
//
// Workers resolve a Location at boot; the indexer and pool only pass it
// along. The one reader above the worker boundary is server-side static-file
// retrieval (internal/staticfile), which the HTTP layer calls to read Zip
// and Dir paths directly.
type Location interface {
	isLocation()
	// String returns a stable, human-readable description used in logs.
	String() string
}

// Zip is a package shipped as a single zip archive with a top-level dist/
// subtree.
type Zip struct {
	Path string
}

func (Zip) isLocation()      {}
func (z Zip) String() string { return "zip:" + z.Path }

// Dir is a package shipped as an already-extracted directory.
type Dir struct {
	Path string
}

func (Dir) isLocation()      {}
func (d Dir) String() string { return "dir:" + d.Path }

// Function is a synthetic in-process package used by tests: Module and
// FuncName identify a registered test fixture, Manifest is supplied
// directly instead of being read from disk.
type Function struct {
	Module   string
	FuncName string
	Manifest Manifest
}

func (Function) isLocation()      {}
func (f Function) String() string { return "function:" + f.Module + "." + f.FuncName }
