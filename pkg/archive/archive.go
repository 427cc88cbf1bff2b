// Package archive bundles the channel database, the scrollback file and the
// config into a checksummed .tar.gz and restores from one.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Names of the entries inside an archive.
const (
	EntryBolt       = "data/channels.bolt"
	EntryScrollback = "data/scrollback.db"
	EntryManifest   = "manifest.json"
	confPrefix      = "conf/"
)

// Manifest describes the contents of an archive.
type Manifest struct {
	Version   int                  `json:"version"`
	Server    string               `json:"server"`
	Timestamp string               `json:"timestamp"`
	Channels  int                  `json:"channels"`
	Files     map[string]FileEntry `json:"files"`
}

// FileEntry describes a single file within the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"` // "bolt", "scrollback", "conf"
}

// Params holds the inputs of an archive run. Empty fields are skipped.
type Params struct {
	Dir                  string                  // Output directory
	Server               string                  // Recorded in the manifest
	Channels             int                     // Recorded in the manifest
	BoltSnapshot         func(dest string) error // Writes a consistent copy of the channel database
	ScrollbackPath       string                  // sqlite scrollback file
	ScrollbackCheckpoint func() error            // Flushes the WAL before the copy
	ConfPath             string
	Now                  time.Time // Defaults to time.Now()
}

// Create writes a new archive into p.Dir and returns its path.
func Create(p Params) (string, error) {
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", p.Dir, err)
	}
	path := filepath.Join(p.Dir, fmt.Sprintf("chanserv-%s.tar.gz", p.Now.UTC().Format("20060102-150405")))

	staging, err := os.MkdirTemp("", "chanserv-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	type source struct{ src, name, kind string }
	var sources []source

	if p.BoltSnapshot != nil {
		dst := filepath.Join(staging, "channels.bolt")
		if err := p.BoltSnapshot(dst); err != nil {
			return "", fmt.Errorf("archive: bolt snapshot: %w", err)
		}
		sources = append(sources, source{dst, EntryBolt, "bolt"})
	}
	if p.ScrollbackPath != "" {
		if p.ScrollbackCheckpoint != nil {
			if err := p.ScrollbackCheckpoint(); err != nil {
				return "", err
			}
		}
		dst := filepath.Join(staging, "scrollback.db")
		if err := copyFile(p.ScrollbackPath, dst); err != nil {
			return "", fmt.Errorf("archive: copy scrollback: %w", err)
		}
		sources = append(sources, source{dst, EntryScrollback, "scrollback"})
	}
	if p.ConfPath != "" {
		if _, err := os.Stat(p.ConfPath); err == nil {
			sources = append(sources, source{p.ConfPath, confPrefix + filepath.Base(p.ConfPath), "conf"})
		}
	}

	manifest := Manifest{
		Version:   1,
		Server:    p.Server,
		Timestamp: p.Now.UTC().Format(time.RFC3339),
		Channels:  p.Channels,
		Files:     make(map[string]FileEntry, len(sources)),
	}

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", path, err)
	}
	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	werr := func() error {
		for _, s := range sources {
			entry, err := addFile(tw, s.src, s.name)
			if err != nil {
				return err
			}
			entry.Type = s.kind
			manifest.Files[s.name] = entry
		}
		// The manifest goes last so its checksums cover everything above.
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("archive: marshal manifest: %w", err)
		}
		if err := tw.WriteHeader(&tar.Header{Name: EntryManifest, Size: int64(len(data)), Mode: 0644, ModTime: p.Now}); err != nil {
			return fmt.Errorf("archive: manifest header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("archive: write manifest: %w", err)
		}
		if err := tw.Close(); err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return err
		}
		return out.Close()
	}()
	if werr != nil {
		out.Close()
		os.Remove(path)
		return "", werr
	}
	return path, nil
}

// addFile copies srcPath into the archive under name and returns its size
// and SHA-256.
func addFile(tw *tar.Writer, srcPath, name string) (FileEntry, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return FileEntry{}, fmt.Errorf("archive: header %s: %w", name, err)
	}

	h := sha256.New()
	n, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: write %s: %w", name, err)
	}
	return FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
