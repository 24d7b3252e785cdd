package backup

import (
	"bytes"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFile creates path with size bytes. Random content does not compress.
func writeFile(t *testing.T, path string, size int, random bool) []byte {
	t.Helper()
	var data []byte
	if random {
		data = make([]byte, size)
		rand.New(rand.NewSource(int64(size) + int64(len(path)))).Read(data)
	} else {
		line := []byte("the quick brown fox jumps over the lazy dog\n")
		data = bytes.Repeat(line, size/len(line)+1)[:size]
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return data
}

// readTree returns relative slash path to content for every file under root,
// ignoring the staging marker.
func readTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == StagingMarker {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	require.NoError(t, err)
	return out
}
