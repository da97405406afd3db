package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rexliu/drvlink/pkg/core"
)

// writeSnapshot saves tree as snapshot.json in the profile directory and
// returns the path written.
func writeSnapshot(profileDir string, tree core.Tree) (string, error) {
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(profileDir, "snapshot.json")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return path, enc.Encode(tree)
}
