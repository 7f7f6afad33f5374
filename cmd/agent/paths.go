package main

import "path/filepath"

// paths is the concrete control.LauncherPaths collaborator, given a home
// here since cmd/agent is where every external collaborator is finally
// wired to something real.
type paths struct {
	cacheDir string
	logDir   string
}

func (p *paths) CacheDir() string { return p.cacheDir }
func (p *paths) LogDir() string   { return p.logDir }

func (p *paths) ServerInstallDir(commitID, quality string) string {
	return filepath.Join(p.cacheDir, "editor-server", quality, commitID)
}
