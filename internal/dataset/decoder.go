package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
)

// ImageDecoder loads one image file. Implementations must keep the source
// bit depth, so 16-bit depth PNGs come back as *image.Gray16.
type ImageDecoder interface {
	Decode(path string) (image.Image, error)
}

// FileDecoder decodes PNG and JPEG files from disk.
type FileDecoder struct{}

func (FileDecoder) Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return img, nil
}
