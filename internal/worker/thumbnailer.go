package worker

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"media-ingest-pipeline/internal/config"
)

// renderedVariant is one encoded size rendition ready for upload.
type renderedVariant struct {
	Label       string
	ContentType string
	Width       int
	Height      int
	Data        []byte
}

// decodeSource decodes the original upload. Registered formats: jpeg, png,
// gif, webp (decode only).
func decodeSource(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// renderVariants produces one encoding per spec, fitted into the spec's
// bounding box with aspect ratio preserved and never upscaled. The whole step
// is deterministic: identical input bytes yield identical output bytes, which
// is what makes reprocessing after a lease reclaim safe.
func renderVariants(src image.Image, srcFormat string, specs []config.VariantSpec) ([]renderedVariant, error) {
	encFormat, contentType := outputFormat(srcFormat)

	out := make([]renderedVariant, 0, len(specs))
	for _, spec := range specs {
		resized := imaging.Fit(src, spec.MaxDim, spec.MaxDim, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, resized, encFormat, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("encode %s variant: %w", spec.Label, err)
		}
		bounds := resized.Bounds()
		out = append(out, renderedVariant{
			Label:       spec.Label,
			ContentType: contentType,
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
			Data:        buf.Bytes(),
		})
	}
	return out, nil
}

// outputFormat keeps png and gif sources in their own format; everything else
// (jpeg, webp) encodes as jpeg.
func outputFormat(srcFormat string) (imaging.Format, string) {
	switch srcFormat {
	case "png":
		return imaging.PNG, "image/png"
	case "gif":
		return imaging.GIF, "image/gif"
	default:
		return imaging.JPEG, "image/jpeg"
	}
}
