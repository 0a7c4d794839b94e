// Package selector determines which files from a build context are copied
// into the application layer: either an explicit include list, or the first
// matching entry from a default discovery set, filtered by ignore patterns.
package selector

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/onkernel/ocibuild/lib/ocierrors"
)

// DefaultDiscoverySet is tried, in order, against the context root when no
// explicit include_paths are configured. The first entry that exists wins.
var DefaultDiscoverySet = []string{"src", "app", "package", "pyproject.toml", "requirements.txt", "setup.cfg"}

// IgnoreFileNames are checked, in order, at the context root; the first one
// found supplies glob-style exclude patterns, one per line (`#`-prefixed
// lines and blank lines are ignored).
var IgnoreFileNames = []string{".ocibuildignore", ".dockerignore"}

// File is a selected input: Abs is its path on the host filesystem, Rel is
// its path relative to the context root.
type File struct {
	Abs string
	Rel string
}

// Select resolves the files to include in the application layer for
// contextDir. includePaths, if non-empty, is used verbatim (each entry
// resolved relative to contextDir and expanded if it is a directory).
// Otherwise the first existing entry of DefaultDiscoverySet is used, falling
// back to the whole context directory if none exist.
func Select(contextDir string, includePaths []string) ([]File, error) {
	ignore, err := loadIgnorePatterns(contextDir)
	if err != nil {
		return nil, err
	}

	roots := includePaths
	if len(roots) == 0 {
		roots = defaultRoots(contextDir)
	}

	var files []File
	seen := make(map[string]bool)
	for _, root := range roots {
		abs, err := securejoin.SecureJoin(contextDir, root)
		if err != nil {
			return nil, ocierrors.NewIOError("resolve include path", err)
		}
		expanded, err := expand(contextDir, abs)
		if err != nil {
			return nil, err
		}
		for _, f := range expanded {
			if ignore.matches(f.Rel) {
				continue
			}
			if seen[f.Rel] {
				continue
			}
			seen[f.Rel] = true
			files = append(files, f)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })
	return files, nil
}

// defaultRoots returns the first existing entry of DefaultDiscoverySet, or
// "." (the whole context) if none exist.
func defaultRoots(contextDir string) []string {
	for _, candidate := range DefaultDiscoverySet {
		if _, err := os.Stat(filepath.Join(contextDir, candidate)); err == nil {
			return []string{candidate}
		}
	}
	return []string{"."}
}

// expand walks abs (a file or directory) and returns every regular file (and
// symlink) under it as a context-relative pair.
func expand(contextDir, abs string) ([]File, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, ocierrors.NewIOError("stat include path", err)
	}

	if !info.IsDir() {
		rel, err := filepath.Rel(contextDir, abs)
		if err != nil {
			return nil, ocierrors.NewIOError("relativize include path", err)
		}
		return []File{{Abs: abs, Rel: filepath.ToSlash(rel)}}, nil
	}

	var files []File
	err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
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
		return nil, ocierrors.NewIOError("walk include path", err)
	}
	return files, nil
}

type ignoreSet struct {
	patterns []string
}

func (s ignoreSet) matches(rel string) bool {
	for _, pattern := range s.patterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
		if strings.HasPrefix(rel, strings.TrimSuffix(pattern, "/")+"/") {
			return true
		}
	}
	return false
}

// loadIgnorePatterns reads the first existing file named in IgnoreFileNames
// at the context root. A missing file is not an error; it yields an empty
// pattern set.
func loadIgnorePatterns(contextDir string) (ignoreSet, error) {
	for _, name := range IgnoreFileNames {
		path := filepath.Join(contextDir, name)
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return ignoreSet{}, ocierrors.NewIOError("open ignore file", err)
		}
		defer f.Close()

		var patterns []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
		if err := scanner.Err(); err != nil {
			return ignoreSet{}, ocierrors.NewIOError("read ignore file", err)
		}
		return ignoreSet{patterns: patterns}, nil
	}
	return ignoreSet{}, nil
}
