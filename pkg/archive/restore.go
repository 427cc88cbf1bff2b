package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RestoreParams says where each archived file goes. Empty destinations are
// skipped.
type RestoreParams struct {
	ArchivePath    string
	BoltDest       string
	ScrollbackDest string
	ConfDest       string
	// OverwriteConf replaces an existing config that differs from the
	// archived one. Without it the current file is kept and a warning is
	// returned.
	OverwriteConf bool
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	FilesRestored int
	Warnings      []string
}

// Restore extracts an archive, checks every file against the manifest and
// only then copies files to their destinations. The server must not be
// running against the destination files.
func Restore(p RestoreParams) (*RestoreResult, error) {
	staging, err := os.MkdirTemp("", "chanserv-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(p.ArchivePath, staging); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(staging, EntryManifest))
	if err != nil {
		return nil, fmt.Errorf("restore: %s not found in archive", EntryManifest)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}

	var confEntry string
	for name, entry := range m.Files {
		sum, err := checksum(filepath.Join(staging, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", name, err)
		}
		if sum != entry.SHA256 {
			return nil, fmt.Errorf("restore: checksum mismatch for %s", name)
		}
		if entry.Type == "conf" {
			confEntry = name
		}
	}

	result := &RestoreResult{}
	restore := func(name, dest string) error {
		if dest == "" {
			return nil
		}
		if _, ok := m.Files[name]; !ok {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("restore: create dir for %s: %w", dest, err)
		}
		if err := copyFile(filepath.Join(staging, filepath.FromSlash(name)), dest); err != nil {
			return fmt.Errorf("restore: copy %s: %w", name, err)
		}
		result.FilesRestored++
		return nil
	}

	if err := restore(EntryBolt, p.BoltDest); err != nil {
		return nil, err
	}
	if err := restore(EntryScrollback, p.ScrollbackDest); err != nil {
		return nil, err
	}
	if confEntry != "" && p.ConfDest != "" {
		same, exists, err := sameContent(filepath.Join(staging, filepath.FromSlash(confEntry)), p.ConfDest)
		if err != nil {
			return nil, fmt.Errorf("restore: compare config: %w", err)
		}
		switch {
		case same:
		case exists && !p.OverwriteConf:
			result.Warnings = append(result.Warnings, fmt.Sprintf("kept current config %s; archived copy differs", p.ConfDest))
		default:
			if err := restore(confEntry, p.ConfDest); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// extract unpacks regular files from a .tar.gz into dir, refusing entries
// that would land outside it.
func extract(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	root := filepath.Clean(dir) + string(os.PathSeparator)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid archive entry: %s", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sameContent(archived, current string) (same, exists bool, err error) {
	cur, err := os.ReadFile(current)
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	arc, err := os.ReadFile(archived)
	if err != nil {
		return false, true, err
	}
	return bytes.Equal(arc, cur), true, nil
}
