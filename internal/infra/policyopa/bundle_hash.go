package policyopa

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

type bundleFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// BundleHash identifies the policy that admitted an event. It covers only rego
// sources and data documents, so editor noise does not change it. path may be a
// bundle directory or a single .rego file.
func BundleHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return hashFiles([]bundleFile{{Path: filepath.Base(path), SHA256: sha256Hex(data)}})
	}
	return BundleHashFS(os.DirFS(path))
}

func BundleHashFS(fsys fs.FS) (string, error) {
	var files []bundleFile
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == "." {
			return nil
		}
		base := filepath.Base(path)
		if d.IsDir() {
			if strings.HasPrefix(base, ".") || base == "vendor" || base == "__MACOSX" {
				return fs.SkipDir
			}
			return nil
		}
		if !isPolicyFile(base) {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		files = append(files, bundleFile{Path: filepath.ToSlash(path), SHA256: sha256Hex(data)})
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return hashFiles(files)
}

func hashFiles(files []bundleFile) (string, error) {
	if files == nil {
		files = []bundleFile{}
	}
	raw, err := json.Marshal(map[string]any{"files": files})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return sha256Hex(canonical), nil
}

func isPolicyFile(base string) bool {
	if strings.HasPrefix(base, ".") {
		return false
	}
	return base == "data.json" || strings.HasSuffix(base, ".rego")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
