package rmrfd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cehteh/rmrfd/internal/platform"
	"github.com/cehteh/rmrfd/internal/server"
)

// StagingDirName is the reserved directory tree the daemon maintains inside
// every domain root. Anything found under it is garbage by definition.
const StagingDirName = ".rmrfd"

// Domain is one deletion coverage root. Paths below Root can be staged by
// an atomic rename into StagingDir, which lives on the same filesystem.
type Domain struct {
	Root       string
	StagingDir string
	Dev        uint64
}

// newDomain canonicalizes root, records its device and creates the staging
// directory.
func newDomain(root string) (Domain, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Domain{}, err
	}
	abs = filepath.Clean(abs)
	m, err := platform.Lstat(abs)
	if err != nil {
		return Domain{}, fmt.Errorf("staging domain %s: %w", abs, err)
	}
	if !m.IsDir() {
		return Domain{}, fmt.Errorf("staging domain %s: not a directory", abs)
	}
	staging := filepath.Join(abs, StagingDirName)
	if err := os.Mkdir(staging, 0o700); err != nil && !os.IsExist(err) {
		return Domain{}, fmt.Errorf("staging domain %s: %w", abs, err)
	}
	return Domain{Root: abs, StagingDir: staging, Dev: m.Dev}, nil
}

// covers reports whether path lies strictly below the domain root. The root
// itself and siblings never match; staged garbage is excluded, it cannot be
// re-requested.
func (d Domain) covers(path string) bool {
	if isBelow(d.StagingDir, path) || path == d.StagingDir {
		return false
	}
	return isBelow(d.Root, path)
}

func isBelow(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, "../")
}

// domainFor finds the staging domain covering path: its root must be an
// ancestor in the directory hierarchy and on the same filesystem. The
// deepest match wins when domains nest.
func (d *Daemon) domainFor(path string, dev uint64) (Domain, error) {
	var best Domain
	found := false
	for _, dom := range d.domains {
		if !dom.covers(path) {
			continue
		}
		if !found || len(dom.Root) > len(best.Root) {
			best = dom
			found = true
		}
	}
	if !found {
		return Domain{}, server.Errf(server.CodePathNotCovered, "no staging domain at or above %s", path)
	}
	if best.Dev != dev {
		return Domain{}, server.Errf(server.CodeCrossDevice,
			"%s is not on the same filesystem as staging domain %s", path, best.Root)
	}
	return best, nil
}
