package assets

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	xdraw "golang.org/x/image/draw"

	"github.com/yungbote/lifelog-backend/internal/domain"
)

const (
	// ThumbnailMaxSide is the longest edge of a stored thumbnail.
	ThumbnailMaxSide = 1080
	// ThumbnailQuality is the WebP encode quality.
	ThumbnailQuality = 80
)

func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptAsset, err)
	}
	return img, nil
}

// ResizeMaxSide scales img down so its longest side is maxSide, keeping
// aspect ratio. Images already small enough pass through untouched.
func ResizeMaxSide(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}
	var nw, nh int
	if w >= h {
		nw = maxSide
		nh = h * maxSide / w
	} else {
		nh = maxSide
		nw = w * maxSide / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

func EncodeThumbnailWebP(img image.Image) ([]byte, error) {
	resized := ResizeMaxSide(img, ThumbnailMaxSide)
	var buf bytes.Buffer
	if err := webp.Encode(&buf, resized, &webp.Options{Quality: ThumbnailQuality}); err != nil {
		return nil, fmt.Errorf("webp encode: %w", err)
	}
	return buf.Bytes(), nil
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// RotateToPortrait rotates a landscape image 90 degrees clockwise. Pendant
// cameras mount sideways, so uploads arrive landscape and are stored
// portrait.
func RotateToPortrait(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() <= b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.Y-1-y, x-b.Min.X, img.At(x, y))
		}
	}
	return dst
}
