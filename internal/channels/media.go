package channels

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// maxImageEdge is the longest edge accepted before an image is
// downscaled for upload. Most platforms reject or recompress anything
// larger.
const maxImageEdge = 2048

// PrepareImage downscales an oversized image and re-encodes it as JPEG
// next to the original. Returns the original path unchanged when the
// image already fits or is not a decodable raster format.
func PrepareImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		// Not an image we can decode (animated, vector, corrupt) —
		// send the original as-is.
		return path, nil
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxImageEdge && bounds.Dy() <= maxImageEdge {
		return path, nil
	}

	resized := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)

	out := scaledPath(path)
	if err := imaging.Save(resized, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save downscaled image: %w", err)
	}
	return out, nil
}

func scaledPath(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return filepath.Join(dir, base[:len(base)-len(ext)]+"_scaled.jpg")
}

// DownloadDir returns the media download directory, creating it if
// needed.
func DownloadDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".flowgate", "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
