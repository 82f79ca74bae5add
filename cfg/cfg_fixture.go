// SPDX-License-Identifier: GPL-3.0-or-later

//go:build test

package cfg

import (
	"os"
	"path/filepath"
)

func init() {
	MustInit(findModuleApplicationYAML()...)
}

// findModuleApplicationYAML walks up from the working directory to the
// module root (marked by go.mod) collecting application.yaml fixtures, so
// tests in nested packages pick up the repo-level fixture.
func findModuleApplicationYAML() []string {
	dir, err := os.Getwd()
	if err != nil {
		return nil
	}

	var files []string
	for {
		if fixture := filepath.Join(dir, "application.yaml"); fileExists(fixture) {
			files = append(files, fixture)
		}
		if fileExists(filepath.Join(dir, "go.mod")) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	// Outermost first, so the fixtures closest to the test merge on top.
	for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
		files[i], files[j] = files[j], files[i]
	}

	return files
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
