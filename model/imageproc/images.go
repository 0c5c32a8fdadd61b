// Package imageproc converts between images on disk and the planar
// float32 data the backends consume. Channel data is laid out plane by
// plane with width contiguous, matching the tensor layout.
package imageproc

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// RGB inputs are rescaled to [0,1] then shifted to [-1,1], matching the
// transforms the generators were trained with.
var (
	StandardMean = [3]float32{0.5, 0.5, 0.5}
	StandardSTD  = [3]float32{0.5, 0.5, 0.5}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// Decode reads an image in any of the registered formats (png, jpeg,
// bmp, tiff, webp).
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	return CompositeColor(img, white)
}

// CompositeColor returns an image with the alpha channel removed by drawing over a background color.
func CompositeColor(img image.Image, color color.Color) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))

	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	return dst
}

// Pad returns an image which has been resized to fit within a new size, preserving aspect ratio, and padded with a color.
func Pad(img image.Image, newSize image.Point, color color.Color, kernel draw.Interpolator) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)

	var minPoint, maxPoint image.Point
	if img.Bounds().Dx() > img.Bounds().Dy() {
		// landscape
		height := newSize.X * img.Bounds().Dy() / img.Bounds().Dx()
		minPoint = image.Point{0, (newSize.Y - height) / 2}
		maxPoint = image.Point{newSize.X, height + minPoint.Y}
	} else {
		// portrait
		width := newSize.Y * img.Bounds().Dx() / img.Bounds().Dy()
		minPoint = image.Point{(newSize.X - width) / 2, 0}
		maxPoint = image.Point{minPoint.X + width, newSize.Y}
	}

	kernel.Scale(dst, image.Rectangle{
		Min: minPoint,
		Max: maxPoint,
	}, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Pack returns the normalized rgb planes of an image, each value rescaled
// to [0,1] and shifted by mean and std.
func Pack(img image.Image, mean, std [3]float32) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()

	out := make([]float32, 0, 3*n)
	planes := [3][]float32{
		make([]float32, 0, n),
		make([]float32, 0, n),
		make([]float32, 0, n),
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			planes[0] = append(planes[0], (float32(r>>8)/255.0-mean[0])/std[0])
			planes[1] = append(planes[1], (float32(g>>8)/255.0-mean[1])/std[1])
			planes[2] = append(planes[2], (float32(b>>8)/255.0-mean[2])/std[2])
		}
	}

	out = append(out, planes[0]...)
	out = append(out, planes[1]...)
	out = append(out, planes[2]...)
	return out
}

// PackGray returns a single [0,1] plane from an image's luminance, the
// form mask maps take.
func PackGray(img image.Image) []float32 {
	bounds := img.Bounds()
	out := make([]float32, 0, bounds.Dx()*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out = append(out, float32(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)/255.0)
		}
	}

	return out
}

// PackLabels one-hot expands a label map into channels planes. The label
// of a pixel is its red component; labels at or beyond the plane count
// land in the last plane.
func PackLabels(img image.Image, channels int) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()

	out := make([]float32, channels*n)
	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			label := min(int(r>>8), channels-1)
			out[label*n+i] = 1
			i++
		}
	}

	return out
}

// PackCondition resizes a condition map and packs it by its channel
// count: 3 channel maps normalize to [-1,1], single channel masks to
// [0,1], anything wider one-hot expands a label image.
func PackCondition(img image.Image, width, height, channels int) ([]float32, error) {
	size := image.Point{X: width, Y: height}
	switch channels {
	case 3:
		return Pack(Resize(img, size, ResizeBilinear), StandardMean, StandardSTD), nil
	case 1:
		return PackGray(Resize(img, size, ResizeNearestNeighbor)), nil
	case 2:
		return nil, errors.New("motion fields are not image backed")
	default:
		// Label maps resize nearest so class ids survive.
		return PackLabels(Resize(img, size, ResizeNearestNeighbor), channels), nil
	}
}

// Unpack turns three [-1,1] planes back into an image, clamping out of
// range values.
func Unpack(data []float32, width, height int) (image.Image, error) {
	if len(data) != 3*width*height {
		return nil, fmt.Errorf("frame data holds %d values, want %d", len(data), 3*width*height)
	}

	n := width * height
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			i := y*width + x
			img.Set(x, y, color.RGBA{
				R: clampByte(data[i]),
				G: clampByte(data[n+i]),
				B: clampByte(data[2*n+i]),
				A: 255,
			})
		}
	}

	return img, nil
}

func clampByte(v float32) uint8 {
	v = (v + 1) / 2 * 255
	if v < 0 {
		return 0
	}

	if v > 255 {
		return 255
	}

	return uint8(v)
}

// WritePNG encodes an image to a writer.
func WritePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}
