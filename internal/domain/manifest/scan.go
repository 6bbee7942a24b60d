package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// Scan finds every manifest below root. Hidden directories are skipped. Manifests that
// fail to load are reported in the returned error; the valid ones are still returned,
// sorted by path.
func Scan(ctx context.Context, root string) ([]*Manifest, error) {
	if info, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("scan plugins: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("scan plugins: %s is not a directory", root)
	}

	var (
		mu    sync.Mutex
		paths []string
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return fastwalk.SkipDir
			}
			return nil
		}
		if IsManifest(d.Name()) {
			mu.Lock()
			paths = append(paths, p)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)

	var (
		manifests []*Manifest
		errs      []error
		seen      = make(map[string]string)
	)
	for _, p := range paths {
		m, err := Load(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if other, dup := seen[m.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: plugin id %q already declared in %s", p, m.ID, other))
			continue
		}
		seen[m.ID] = p
		manifests = append(manifests, m)
	}
	return manifests, errors.Join(errs...)
}
