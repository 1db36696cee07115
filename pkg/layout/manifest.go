package layout

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/suiteforge/suiteforge/pkg/engine"
)

// Manifest file names written at every distribution root.
const (
	// HashManifestName lists one content hash per file, stable-sorted by
	// path. Diffable and byte-for-byte reproducible.
	HashManifestName = "sha256"

	// FileListName is the flat file listing in the same order.
	FileListName = "files"
)

// TreeManifest is the computed content manifest of a distribution tree.
type TreeManifest struct {
	// Files are the relative paths in stable sorted order.
	Files []string

	// Hashes maps each path to its sha256 content hash.
	Hashes map[string]string

	// TreeHash is the hash of the hash manifest itself, identifying the
	// whole tree.
	TreeHash string
}

// ComputeManifest walks a tree and produces its content manifest. The
// manifest files themselves are excluded. Paths use forward slashes so the
// output is identical across platforms.
func ComputeManifest(root string) (*TreeManifest, error) {
	man := &TreeManifest{Hashes: make(map[string]string)}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
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
		rel = filepath.ToSlash(rel)
		if rel == HashManifestName || rel == FileListName {
			return nil
		}

		h := sha256.New()
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(h, f); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

		man.Files = append(man.Files, rel)
		man.Hashes[rel] = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	if err != nil {
		return nil, engine.NewToolchainError("cannot hash output tree", err)
	}

	sort.Strings(man.Files)

	sum := sha256.New()
	for _, f := range man.Files {
		fmt.Fprintf(sum, "%s  %s\n", man.Hashes[f], f)
	}
	man.TreeHash = hex.EncodeToString(sum.Sum(nil))
	return man, nil
}

// WriteManifests computes and writes the hash and file-list manifests at the
// tree root and returns the computed manifest.
func WriteManifests(root string) (*TreeManifest, error) {
	man, err := ComputeManifest(root)
	if err != nil {
		return nil, err
	}

	var hashes strings.Builder
	var files strings.Builder
	for _, f := range man.Files {
		fmt.Fprintf(&hashes, "%s  %s\n", man.Hashes[f], f)
		fmt.Fprintf(&files, "%s\n", f)
	}

	if err := writeFile(filepath.Join(root, HashManifestName), []byte(hashes.String())); err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(root, FileListName), []byte(files.String())); err != nil {
		return nil, err
	}
	return man, nil
}

// VerifyResult reports the differences found by Verify.
type VerifyResult struct {
	// Missing are paths listed in the manifest but absent from the tree.
	Missing []string

	// Changed are paths whose recomputed hash differs from the manifest.
	Changed []string

	// Extra are paths present in the tree but not in the manifest.
	Extra []string
}

// OK reports whether the tree matches its manifest exactly.
func (r *VerifyResult) OK() bool {
	return len(r.Missing) == 0 && len(r.Changed) == 0 && len(r.Extra) == 0
}

// Verify recomputes the content manifest of a published distribution and
// compares it against the stored hash manifest.
func Verify(root string) (*VerifyResult, error) {
	stored, err := readHashManifest(filepath.Join(root, HashManifestName))
	if err != nil {
		return nil, err
	}

	current, err := ComputeManifest(root)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{}
	for path, hash := range stored {
		got, ok := current.Hashes[path]
		switch {
		case !ok:
			res.Missing = append(res.Missing, path)
		case got != hash:
			res.Changed = append(res.Changed, path)
		}
	}
	for _, path := range current.Files {
		if _, ok := stored[path]; !ok {
			res.Extra = append(res.Extra, path)
		}
	}
	sort.Strings(res.Missing)
	sort.Strings(res.Changed)
	sort.Strings(res.Extra)
	return res, nil
}

// readHashManifest parses a stored hash manifest.
func readHashManifest(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, engine.NewCacheCorruptionError(path, "hash manifest missing")
	}
	defer f.Close()

	hashes := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 || len(parts[0]) != 64 {
			return nil, engine.NewCacheCorruptionError(path, "malformed hash manifest line")
		}
		hashes[parts[1]] = parts[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, engine.NewCacheCorruptionError(path, "cannot read hash manifest")
	}
	return hashes, nil
}
