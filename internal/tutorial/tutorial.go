// Package tutorial loads markdown tutorials, resolves their image
// references, and fingerprints the workspace for resume detection.
package tutorial

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// MaxTutorialSize is the maximum accepted tutorial file size in bytes.
const MaxTutorialSize = 100 * 1024

// ImageFormat identifies a supported tutorial image format.
type ImageFormat string

const (
	ImagePNG ImageFormat = "png"
	ImageJPG ImageFormat = "jpg"
	ImageGIF ImageFormat = "gif"
	ImageSVG ImageFormat = "svg"
)

// FormatFromExtension detects the image format from a file extension.
// Returns "" when the extension is not recognized.
func FormatFromExtension(ext string) ImageFormat {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return ImagePNG
	case "jpg", "jpeg":
		return ImageJPG
	case "gif":
		return ImageGIF
	case "svg":
		return ImageSVG
	default:
		return ""
	}
}

// Image is an image referenced from the tutorial markdown.
type Image struct {
	Reference    string      `json:"reference"`
	ResolvedPath string      `json:"resolved_path"`
	Format       ImageFormat `json:"format"`
	Data         []byte      `json:"-"`
}

// Tutorial is a loaded, validated tutorial document.
type Tutorial struct {
	Path      string  `json:"path"`
	Content   string  `json:"content"`
	Images    []Image `json:"images"`
	SizeBytes int     `json:"size_bytes"`
}

// Name returns the tutorial file name without its directory.
func (t *Tutorial) Name() string {
	return filepath.Base(t.Path)
}

// ContentDigest returns the hex sha256 of the tutorial content.
func (t *Tutorial) ContentDigest() string {
	sum := sha256.Sum256([]byte(t.Content))
	return hex.EncodeToString(sum[:])
}

var imageRefPattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)[^)]*\)`)

// Load reads and validates the tutorial at path. It rejects missing files,
// files over MaxTutorialSize, and non-UTF-8 content, each with an
// actionable message. Image references that cannot be resolved are skipped
// with a warning rather than failing the load.
func Load(path string) (*Tutorial, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve tutorial path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Tutorial not found: '%s'\n\nTry: check the 'tutorial' field in smile.json or create the file", abs)
		}
		return nil, fmt.Errorf("stat tutorial: %w", err)
	}
	if info.Size() > MaxTutorialSize {
		return nil, fmt.Errorf("Tutorial exceeds size limit (100KB): '%s' is %dKB\n\nTry: split into smaller tutorials or remove embedded content", abs, info.Size()/1024)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read tutorial: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("Tutorial has invalid encoding: '%s'\n\nTry: convert the file to UTF-8", abs)
	}

	t := &Tutorial{
		Path:      abs,
		Content:   string(data),
		SizeBytes: len(data),
	}
	t.Images = loadImages(abs, t.Content)
	return t, nil
}

func loadImages(tutorialPath, content string) []Image {
	baseDir := filepath.Dir(tutorialPath)
	var images []Image
	for _, match := range imageRefPattern.FindAllStringSubmatch(content, -1) {
		ref := match[1]
		if strings.Contains(ref, "://") {
			continue
		}
		format := FormatFromExtension(filepath.Ext(ref))
		if format == "" {
			log.Warn().Str("reference", ref).Msg("unsupported image format, skipping")
			continue
		}
		resolved := ref
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, ref)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			log.Warn().Str("reference", ref).Err(err).Msg("image not readable, skipping")
			continue
		}
		images = append(images, Image{
			Reference:    ref,
			ResolvedPath: resolved,
			Format:       format,
			Data:         data,
		})
	}
	return images
}

// Fingerprint derives the workspace fingerprint from the tutorial absolute
// path, its content digest, and the config digest. A persisted run may only
// be resumed when the fingerprint matches the current workspace.
func Fingerprint(tutorialPath, contentDigest, configDigest string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", tutorialPath, contentDigest, configDigest)
	return hex.EncodeToString(h.Sum(nil))
}
