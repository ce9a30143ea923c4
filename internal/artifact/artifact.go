// Package artifact turns data-directory snapshots into the list of files an
// execution produced.
package artifact

import (
	"encoding/hex"
	"path"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/p-arndt/codesandbox/internal/runtime"
)

type Artifact struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Diff reports files that are new in after, or whose size or modification time
// changed. Deleted files are not reported. The result is sorted by name.
func Diff(before, after []runtime.FileInfo) []runtime.FileInfo {
	prev := make(map[string]runtime.FileInfo, len(before))
	for _, f := range before {
		prev[f.Name] = f
	}

	var changed []runtime.FileInfo
	for _, f := range after {
		old, ok := prev[f.Name]
		if ok && old.Size == f.Size && old.ModTime.Equal(f.ModTime) {
			continue
		}
		changed = append(changed, f)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Name < changed[j].Name })
	return changed
}

// Collect converts file infos into artifacts rooted at dataDir, sorted by name.
// downloadBase, when set, is the URL prefix under which the session's files are
// served.
func Collect(dataDir, downloadBase, sessionID string, files []runtime.FileInfo) []Artifact {
	out := make([]Artifact, 0, len(files))
	for _, f := range files {
		out = append(out, New(dataDir, downloadBase, sessionID, f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func New(dataDir, downloadBase, sessionID string, f runtime.FileInfo) Artifact {
	a := Artifact{
		Path:        path.Join(dataDir, f.Name),
		Filename:    f.Name,
		SizeBytes:   f.Size,
		ContentType: ContentType(f.Name),
	}
	if downloadBase != "" {
		a.DownloadURL = DownloadURL(downloadBase, sessionID, f.Name)
	}
	return a
}

func DownloadURL(base, sessionID, filename string) string {
	return strings.TrimSuffix(base, "/") + "/" + sessionID + "/" + filename
}

// Checksum returns the blake3 digest of data as "blake3:<hex>".
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}
