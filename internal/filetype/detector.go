package filetype

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
)

// Kind is the coarse category the backend pipeline routes on.
type Kind string

const (
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
)

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".flac": true, ".aac": true, ".opus": true, ".wma": true,
}

// Info describes a file accepted by the allow-list.
type Info struct {
	MIMEType  string
	Extension string
	Kind      Kind
}

// Detector checks extensions against an allow-list and sniffs content with
// magic bytes to tell documents from audio.
type Detector struct {
	allowed map[string]bool
}

// New creates a detector for the given extensions (".pdf" or "pdf", any case).
func New(allowed []string) *Detector {
	m := make(map[string]bool, len(allowed))
	for _, ext := range allowed {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		m[ext] = true
	}
	return &Detector{allowed: m}
}

// Allowed reports whether name carries an allow-listed extension.
func (d *Detector) Allowed(name string) bool {
	return d.allowed[strings.ToLower(filepath.Ext(name))]
}

// Detect classifies a file. head may be nil when content is not readable,
// in which case the extension alone decides.
func (d *Detector) Detect(name string, head io.Reader) Info {
	ext := strings.ToLower(filepath.Ext(name))
	info := Info{Extension: ext, Kind: KindDocument}
	if audioExtensions[ext] {
		info.Kind = KindAudio
	}
	if head == nil {
		return info
	}
	mt, err := mimetype.DetectReader(head)
	if err != nil {
		log.Debug().Err(err).Str("file", name).Msg("mime sniff failed; using extension")
		return info
	}
	info.MIMEType = mt.String()
	switch {
	case strings.HasPrefix(info.MIMEType, "audio/"):
		info.Kind = KindAudio
	case strings.HasPrefix(info.MIMEType, "video/") && audioExtensions[ext]:
		// m4a/ogg containers are often sniffed as video
		info.Kind = KindAudio
	case info.MIMEType == "application/pdf" || strings.HasPrefix(info.MIMEType, "text/"):
		info.Kind = KindDocument
	}
	log.Debug().Str("mime", info.MIMEType).Str("ext", ext).Str("kind", string(info.Kind)).Str("file", name).Msg("detected file type")
	return info
}

// PageCount returns the number of pages of a PDF on disk.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}
