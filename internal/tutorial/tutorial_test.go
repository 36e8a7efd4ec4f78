package tutorial

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTutorial(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Basic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTutorial(t, dir, "guide.md", "# Guide\n\nRun npm install.\n")

	tut, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "guide.md", tut.Name())
	assert.Contains(t, tut.Content, "npm install")
	assert.Equal(t, len(tut.Content), tut.SizeBytes)
	assert.Empty(t, tut.Images)
	assert.Len(t, tut.ContentDigest(), 64)
}

func TestLoad_Missing(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.md"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Tutorial not found")
}

func TestLoad_SizeBoundary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	exact := writeTutorial(t, dir, "exact.md", strings.Repeat("a", MaxTutorialSize))
	_, err := Load(exact)
	require.NoError(t, err)

	over := writeTutorial(t, dir, "over.md", strings.Repeat("a", MaxTutorialSize+1))
	_, err = Load(over)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

func TestLoad_NonUTF8(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.md")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x41}, 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid encoding")
}

func TestLoad_ResolvesImages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "images", "fig1.png"), []byte{0x89, 0x50, 0x4e, 0x47}, 0o644))

	body := "# T\n\n![figure one](./images/fig1.png)\n\n![missing](./images/gone.png)\n\n![remote](https://example.com/x.png)\n"
	path := writeTutorial(t, dir, "t.md", body)

	tut, err := Load(path)
	require.NoError(t, err)

	require.Len(t, tut.Images, 1)
	assert.Equal(t, "./images/fig1.png", tut.Images[0].Reference)
	assert.Equal(t, ImagePNG, tut.Images[0].Format)
	assert.NotEmpty(t, tut.Images[0].Data)
}

func TestFormatFromExtension(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ImagePNG, FormatFromExtension("png"))
	assert.Equal(t, ImagePNG, FormatFromExtension(".PNG"))
	assert.Equal(t, ImageJPG, FormatFromExtension("jpeg"))
	assert.Equal(t, ImageJPG, FormatFromExtension("jpg"))
	assert.Equal(t, ImageGIF, FormatFromExtension("gif"))
	assert.Equal(t, ImageSVG, FormatFromExtension("svg"))
	assert.Equal(t, ImageFormat(""), FormatFromExtension("bmp"))
	assert.Equal(t, ImageFormat(""), FormatFromExtension("webp"))
}

func TestFingerprint_SensitiveToAllInputs(t *testing.T) {
	t.Parallel()

	base := Fingerprint("/a/t.md", "digest1", "cfg1")
	assert.Equal(t, base, Fingerprint("/a/t.md", "digest1", "cfg1"))
	assert.NotEqual(t, base, Fingerprint("/b/t.md", "digest1", "cfg1"))
	assert.NotEqual(t, base, Fingerprint("/a/t.md", "digest2", "cfg1"))
	assert.NotEqual(t, base, Fingerprint("/a/t.md", "digest1", "cfg2"))
}
