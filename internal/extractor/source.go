package extractor

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotVideo is returned for files that are not a video media type.
var ErrNotVideo = errors.New("please select a valid video file")

// Source is a local video file accepted for capture.
type Source struct {
	Path      string
	Name      string
	MediaType string
	Size      int64
}

var videoExtensions = map[string]string{
	".3gp":  "video/3gpp",
	".avi":  "video/x-msvideo",
	".flv":  "video/x-flv",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".mp4":  "video/mp4",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".ogv":  "video/ogg",
	".webm": "video/webm",
	".wmv":  "video/x-ms-wmv",
}

// OpenSource checks that path is a readable local file of a video media type.
func OpenSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("video file not accessible: %w", err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("'%s' is a directory: %w", path, ErrNotVideo)
	}

	file, err := os.Open(path)
	if err != nil {
		return Source{}, fmt.Errorf("failed to open video file: %w", err)
	}
	defer file.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Source{}, fmt.Errorf("failed to read video file: %w", err)
	}

	mediaType := detectMediaType(head[:n], filepath.Ext(path))
	if !strings.HasPrefix(mediaType, "video/") {
		return Source{}, fmt.Errorf("'%s' has media type %q: %w", filepath.Base(path), mediaType, ErrNotVideo)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Source{
		Path:      path,
		Name:      name,
		MediaType: mediaType,
		Size:      info.Size(),
	}, nil
}

// detectMediaType trusts content sniffing when it is conclusive and falls back
// to the file extension for containers the sniffer does not know.
func detectMediaType(head []byte, ext string) string {
	sniffed := http.DetectContentType(head)
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	if strings.HasPrefix(sniffed, "video/") || sniffed != "application/octet-stream" {
		return sniffed
	}

	ext = strings.ToLower(ext)
	if mt, ok := videoExtensions[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if i := strings.Index(mt, ";"); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	return sniffed
}
