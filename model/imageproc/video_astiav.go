//go:build ffmpeg && cgo

package imageproc

// #cgo pkg-config: libavformat libavcodec libavutil libswscale
// #cgo LDFLAGS: -lm -lpthread
import "C"

import (
	"bytes"
	"fmt"
	"image"

	"github.com/asticode/go-astiav"
)

// extractClip decodes through the linked FFmpeg libraries, straight from
// the in memory buffer.
func extractClip(videoData []byte, config ClipConfig) ([]image.Image, error) {
	inputCtx := astiav.AllocFormatContext()
	if inputCtx == nil {
		return nil, fmt.Errorf("failed to allocate format context")
	}
	defer inputCtx.Free()

	ioCtx := astiav.NewIOContext(bytes.NewReader(videoData), nil)
	inputCtx.SetPb(ioCtx)

	if err := inputCtx.OpenInput("", nil, nil); err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer inputCtx.CloseInput()

	if err := inputCtx.FindStreamInfo(nil); err != nil {
		return nil, fmt.Errorf("failed to find stream info: %w", err)
	}

	var videoStream *astiav.Stream
	var codec *astiav.Codec
	for _, stream := range inputCtx.Streams() {
		if stream.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			videoStream = stream
			codec = astiav.FindDecoder(stream.CodecParameters().CodecId())
			break
		}
	}

	if videoStream == nil {
		return nil, fmt.Errorf("no video stream found")
	}
	if codec == nil {
		return nil, fmt.Errorf("unsupported video codec")
	}

	codecCtx := astiav.AllocCodecContext(codec)
	if codecCtx == nil {
		return nil, fmt.Errorf("failed to allocate codec context")
	}
	defer codecCtx.Free()

	if err := codecCtx.FromCodecParameters(videoStream.CodecParameters()); err != nil {
		return nil, fmt.Errorf("failed to copy codec parameters: %w", err)
	}

	if err := codecCtx.Open(codec, nil); err != nil {
		return nil, fmt.Errorf("failed to open codec: %w", err)
	}

	// FPS 0 keeps every decoded frame.
	frameInterval := 1
	if config.FPS > 0 {
		videoFPS := float64(videoStream.AvgFrameRate().Num()) / float64(videoStream.AvgFrameRate().Den())
		if videoFPS == 0 {
			videoFPS = 30.0
		}

		frameInterval = max(int(videoFPS/config.FPS), 1)
	}

	packet := astiav.AllocPacket()
	if packet == nil {
		return nil, fmt.Errorf("failed to allocate packet")
	}
	defer packet.Free()

	frame := astiav.AllocFrame()
	if frame == nil {
		return nil, fmt.Errorf("failed to allocate frame")
	}
	defer frame.Free()

	var frames []image.Image
	frameCount := 0

	for {
		if err := inputCtx.ReadFrame(packet); err != nil {
			if err == astiav.ErrEof {
				break
			}
			return nil, fmt.Errorf("error reading frame: %w", err)
		}

		if packet.StreamIndex() != videoStream.Index() {
			packet.Unref()
			continue
		}

		if err := codecCtx.SendPacket(packet); err != nil {
			packet.Unref()
			continue
		}

		for {
			if err := codecCtx.ReceiveFrame(frame); err != nil {
				break
			}

			if frameCount%frameInterval == 0 {
				img, err := frameImage(frame, codecCtx.Width(), codecCtx.Height(), codecCtx.PixelFormat())
				if err != nil {
					return nil, fmt.Errorf("failed to convert frame: %w", err)
				}

				frames = append(frames, img)
				if config.MaxFrames > 0 && len(frames) >= config.MaxFrames {
					return frames, nil
				}
			}

			frameCount++
			frame.Unref()
		}

		packet.Unref()
	}

	// Drain the decoder.
	if err := codecCtx.SendPacket(nil); err == nil {
		for {
			if err := codecCtx.ReceiveFrame(frame); err != nil {
				break
			}

			if frameCount%frameInterval == 0 {
				img, err := frameImage(frame, codecCtx.Width(), codecCtx.Height(), codecCtx.PixelFormat())
				if err == nil {
					frames = append(frames, img)
					if config.MaxFrames > 0 && len(frames) >= config.MaxFrames {
						break
					}
				}
			}

			frameCount++
			frame.Unref()
		}
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames extracted from video")
	}

	return frames, nil
}

// frameImage converts a decoded AVFrame to RGBA.
func frameImage(frame *astiav.Frame, width, height int, srcPixFmt astiav.PixelFormat) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	swsCtx := astiav.AllocSwsContext(
		width, height, srcPixFmt,
		width, height, astiav.PixelFormatRgba,
		astiav.SwsScaleFlagBilinear,
		nil, nil, nil,
	)
	if swsCtx == nil {
		return nil, fmt.Errorf("failed to create swscale context")
	}
	defer swsCtx.Free()

	dstFrame := astiav.AllocFrame()
	if dstFrame == nil {
		return nil, fmt.Errorf("failed to allocate destination frame")
	}
	defer dstFrame.Free()

	dstFrame.SetWidth(width)
	dstFrame.SetHeight(height)
	dstFrame.SetPixelFormat(astiav.PixelFormatRgba)

	if err := dstFrame.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("failed to allocate frame buffer: %w", err)
	}

	if err := swsCtx.Scale(
		frame.Data(), frame.Linesize(),
		0, height,
		dstFrame.Data(), dstFrame.Linesize(),
	); err != nil {
		return nil, fmt.Errorf("failed to scale frame: %w", err)
	}

	pixelDataSize := width * height * 4
	pixelData := dstFrame.Data()[0]

	if len(pixelData) < pixelDataSize {
		return nil, fmt.Errorf("pixel data size mismatch: expected %d, got %d", pixelDataSize, len(pixelData))
	}

	copy(img.Pix, pixelData[:pixelDataSize])

	return img, nil
}
