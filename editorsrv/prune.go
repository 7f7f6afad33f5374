// Prune support for the `prune` RPC: walk the cache dir and remove
// commit_id@quality install directories that are not the connection's
// live adopted instance.
//
// Grounded on fs/walkbck.go's godirwalk-based directory walk (same library,
// simplified from bucket/object enumeration down to one flat directory of
// install dirs).
package editorsrv

import (
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"

	"github.com/tunnelrun/agentd/control"
)

// Prune removes every top-level directory under paths.CacheDir() that isn't
// the manager's current live install (files are left in place), returning
// the paths it removed.
func (m *Manager) Prune(paths control.LauncherPaths) ([]string, error) {
	m.mu.Lock()
	var live string
	if m.inst != nil {
		live = filepath.Dir(m.inst.SocketPath())
	}
	m.mu.Unlock()

	root := paths.CacheDir()
	entries, err := godirwalk.ReadDirents(root, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		full := filepath.Join(root, e.Name())
		if full == live {
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			return removed, err
		}
		removed = append(removed, full)
	}
	return removed, nil
}
