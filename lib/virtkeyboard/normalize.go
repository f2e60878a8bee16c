package virtkeyboard

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
)

// Threshold decodes an image, converts it to grayscale and binarizes it:
// pixels darker than limit become black, the rest white. Anti-aliasing
// noise from the site renderer is removed so that hashes stay stable.
func Threshold(limit uint8) Normalizer {
	return func(data []byte) ([]byte, error) {
		src, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode key image: %w", err)
		}
		bounds := src.Bounds()
		dst := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				gray := color.GrayModel.Convert(src.At(x, y)).(color.Gray)
				value := uint8(255)
				if gray.Y < limit {
					value = 0
				}
				dst.SetGray(x-bounds.Min.X, y-bounds.Min.Y, color.Gray{Y: value})
			}
		}

		var out bytes.Buffer
		err = png.Encode(&out, dst)
		if err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
}
