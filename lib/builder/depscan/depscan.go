// Package depscan discovers the files that make up a dependencies layer:
// a directory of already-downloaded packages named by the caller, or else
// an already-installed virtual environment directory found under one of a
// fixed set of names at the context root. A requirements manifest is only
// checked for presence; it is never read.
//
// Per the core's scope, dependencies are never installed by this package —
// only packaged if already present, matching the host-only principle the
// rest of the builder follows.
package depscan

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/onkernel/ocibuild/lib/ocierrors"
)

// candidateVenvDirs are checked, in order, relative to the context root.
var candidateVenvDirs = []string{".venv", "venv", "env"}

var errNotADirectory = errors.New("not a directory")

// File is one dependency-layer input, context-relative.
type File struct {
	Abs string
	Rel string
}

// Discover locates a dependencies layer under contextDir. If
// requirementsFile is non-empty, it must exist (a ConfigError otherwise);
// it is only used as a signal that a dependency layer is expected, not
// parsed for package names (the core does not install packages).
//
// If offlineDepsDir is non-empty, it names a directory of already-downloaded
// packages (e.g. a frozen `pip download -r requirements.txt -d <dir>`
// cache) and is packaged directly, taking precedence over venv discovery —
// this is the host-only principle applied to a pre-resolved dependency set
// instead of an installed environment. Otherwise the layer's contents are
// whichever of candidateVenvDirs exists.
//
// Discover returns (nil, nil) when no dependency source is found: the
// caller treats this as "no dependencies layer" rather than an error, since
// an app with no external dependencies is valid.
func Discover(contextDir, requirementsFile, offlineDepsDir string) ([]File, error) {
	if requirementsFile != "" {
		path := requirementsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(contextDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, ocierrors.NewConfigError("requirements_file", err)
		}
	}

	if offlineDepsDir != "" {
		dir := offlineDepsDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(contextDir, dir)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, ocierrors.NewConfigError("offline_deps_dir", err)
		}
		if !info.IsDir() {
			return nil, ocierrors.NewConfigError("offline_deps_dir", errNotADirectory)
		}
		return walk(contextDir, dir)
	}

	for _, candidate := range candidateVenvDirs {
		dir := filepath.Join(contextDir, candidate)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		return walk(contextDir, dir)
	}
	return nil, nil
}

func walk(contextDir, venvDir string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(venvDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(contextDir, path)
		if err != nil {
			return err
		}
		files = append(files, File{Abs: path, Rel: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, ocierrors.NewIOError("walk dependency directory", err)
	}
	return files, nil
}
