package archive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Info holds metadata about an existing archive file.
type Info struct {
	Path      string
	Filename  string
	Size      int64
	Timestamp string // From the manifest, or the file mod time
	Channels  int
}

// List returns the archives in dir, newest first.
func List(dir string) ([]Info, error) {
	pattern := filepath.Join(dir, "*.tar.gz")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("archive: glob %s: %w", pattern, err)
	}

	var out []Info
	for _, path := range matches {
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		info := Info{
			Path:      path,
			Filename:  filepath.Base(path),
			Size:      st.Size(),
			Timestamp: st.ModTime().UTC().Format(time.RFC3339),
		}
		if m, err := ReadManifest(path); err == nil {
			info.Timestamp = m.Timestamp
			info.Channels = m.Channels
		}
		out = append(out, info)
	}

	// RFC3339 in UTC sorts lexically.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Filename > out[j].Filename
	})
	return out, nil
}

// Prune deletes all but the newest keep archives in dir and returns the
// removed paths. keep <= 0 keeps everything.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	all, err := List(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, a := range all[min(keep, len(all)):] {
		if err := os.Remove(a.Path); err != nil {
			return removed, fmt.Errorf("archive: prune %s: %w", a.Path, err)
		}
		removed = append(removed, a.Path)
	}
	return removed, nil
}

// ReadManifest extracts manifest.json from an archive.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name != EntryManifest {
			continue
		}
		var m Manifest
		if err := json.NewDecoder(tr).Decode(&m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, fmt.Errorf("archive: %s has no manifest", path)
}
