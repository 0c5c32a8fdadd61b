package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/vtonlabs/tryon/api"
	"github.com/vtonlabs/tryon/dataset"
	"github.com/vtonlabs/tryon/ml"
	"github.com/vtonlabs/tryon/model"
	"github.com/vtonlabs/tryon/model/imageproc"
)

// clip holds one request's decoded input streams, ready to pack frame
// by frame. Streams of length one broadcast across the clip.
type clip struct {
	width, height int
	frames        int
	pad           bool

	channels   map[string]uint32
	conditions map[string][]image.Image
	flow       [][]float32
}

func decodeClip(req *api.SynthesizeRequest, channels map[string]uint32, opts api.Options, width, height int) (*clip, error) {
	cl := &clip{
		width:      width,
		height:     height,
		pad:        opts.PreserveAspect,
		channels:   channels,
		conditions: make(map[string][]image.Image, len(channels)),
	}

	for name := range req.Conditions {
		if _, ok := channels[name]; !ok || name == "flow" {
			return nil, fmt.Errorf("unknown condition %q", name)
		}
	}

	for name := range channels {
		if name == "flow" {
			continue
		}

		input, ok := req.Conditions[name]
		if !ok {
			return nil, fmt.Errorf("missing condition %q", name)
		}

		frames, err := decodeInput(name, input)
		if err != nil {
			return nil, err
		}

		cl.conditions[name] = frames
		cl.frames = max(cl.frames, len(frames))
	}

	if _, ok := channels["flow"]; ok {
		if len(req.Flow) == 0 {
			return nil, errors.New("model needs flow fields")
		}

		for i, enc := range req.Flow {
			data, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("flow %d: %w", i, err)
			}

			field, w, h, err := dataset.ReadFlo(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("flow %d: %w", i, err)
			}

			if w != width || h != height {
				return nil, fmt.Errorf("flow %d is %dx%d, want %dx%d", i, w, h, width, height)
			}

			cl.flow = append(cl.flow, field)
		}

		cl.frames = max(cl.frames, len(cl.flow))
	} else if len(req.Flow) > 0 {
		return nil, errors.New("model does not take flow fields")
	}

	if cl.frames == 0 {
		return nil, errors.New("request has no frames")
	}

	for name, frames := range cl.conditions {
		if len(frames) != 1 && len(frames) != cl.frames {
			return nil, fmt.Errorf("condition %q has %d frames, want %d", name, len(frames), cl.frames)
		}
	}

	if n := len(cl.flow); n != 0 && n != 1 && n != cl.frames {
		return nil, fmt.Errorf("flow has %d fields, want %d", n, cl.frames)
	}

	if opts.MaxFrames > 0 && cl.frames > opts.MaxFrames {
		cl.frames = opts.MaxFrames
	}

	return cl, nil
}

// decodeInput decodes one condition's stream. Frame and video inputs
// are mutually exclusive.
func decodeInput(name string, input api.Input) ([]image.Image, error) {
	switch {
	case input.Video != "" && len(input.Frames) > 0:
		return nil, fmt.Errorf("condition %q sends both frames and video", name)
	case input.Video != "":
		data, err := base64.StdEncoding.DecodeString(input.Video)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", name, err)
		}

		return imageproc.ExtractClip(data, imageproc.DefaultClipConfig())
	case len(input.Frames) > 0:
		frames := make([]image.Image, 0, len(input.Frames))
		for i, enc := range input.Frames {
			data, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("condition %q frame %d: %w", name, i, err)
			}

			img, err := imageproc.Decode(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("condition %q frame %d: %w", name, i, err)
			}

			frames = append(frames, img)
		}

		return frames, nil
	default:
		return nil, fmt.Errorf("condition %q is empty", name)
	}
}

// padCondition letterboxes a condition to the target size. Semantic
// maps use nearest sampling and a zero background so class ids survive.
func padCondition(img image.Image, width, height, channels int) image.Image {
	size := image.Point{X: width, Y: height}
	if channels == 3 {
		return imageproc.Pad(img, size, color.White, draw.BiLinear)
	}

	return imageproc.Pad(img, size, color.Black, draw.NearestNeighbor)
}

// frame packs the i'th frame of every stream into tensors.
func (cl *clip) frame(ctx ml.Context, i int) (map[string]ml.Tensor, ml.Tensor, error) {
	conds := make(map[string]ml.Tensor, len(cl.conditions))
	for name, frames := range cl.conditions {
		img := frames[min(i, len(frames)-1)]

		channels := int(cl.channels[name])
		if cl.pad {
			img = padCondition(img, cl.width, cl.height, channels)
		}

		data, err := imageproc.PackCondition(img, cl.width, cl.height, channels)
		if err != nil {
			return nil, nil, fmt.Errorf("condition %q: %w", name, err)
		}

		t, err := ctx.FromFloatSlice(data, cl.width, cl.height, channels, 1)
		if err != nil {
			return nil, nil, err
		}

		conds[name] = t
	}

	var flow ml.Tensor
	if cl.flow != nil {
		field := cl.flow[min(i, len(cl.flow)-1)]

		t, err := ctx.FromFloatSlice(field, cl.width, cl.height, 2, 1)
		if err != nil {
			return nil, nil, err
		}

		flow = t
	}

	return conds, flow, nil
}

// encodeFrame turns a synthesized tensor into a base64 PNG.
func encodeFrame(t ml.Tensor) (string, error) {
	img, err := imageproc.Unpack(t.Floats(), t.Dim(0), t.Dim(1))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := imageproc.WritePNG(&buf, img); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *Server) SynthesizeHandler(c *gin.Context) {
	checkpoint := time.Now()

	var req api.SynthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var opts api.Options
	if err := opts.FromMap(req.Options); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := ModelPath(req.Model); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lm, err := s.load(req.Model)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("model %q not found", req.Model)})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	loaded := time.Now()

	config := lm.model.Backend().Config()
	width := int(config.Uint("image.width", 192))
	height := int(config.Uint("image.height", 256))
	if opts.Width > 0 {
		width = opts.Width
	}
	if opts.Height > 0 {
		height = opts.Height
	}

	cl, err := decodeClip(&req, dataset.Conditions(config), opts, width, height)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logger := slog.With("request", uuid.NewString(), "model", req.Model)
	logger.Info("synthesizing", "frames", cl.frames, "size", fmt.Sprintf("%dx%d", width, height))

	// One clip at a time per model: the frame cache on the model is
	// clip state.
	lm.mu.Lock()
	defer lm.mu.Unlock()

	runner := model.NewRunner(lm.model)
	runner.Reset()

	ctx := lm.model.Backend().NewContext()
	defer ctx.Close()

	resp := api.SynthesizeResponse{Model: req.Model}
	for i := range cl.frames {
		conds, flow, err := cl.frame(ctx, i)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		out, err := runner.Step(ctx, conds, flow)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		frame, err := encodeFrame(out)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp.Frames = append(resp.Frames, frame)

		logger.Debug("synthesized frame", "frame", i)
	}

	resp.FrameCount = len(resp.Frames)
	resp.LoadDuration = loaded.Sub(checkpoint)
	resp.TotalDuration = time.Since(checkpoint)

	c.JSON(http.StatusOK, resp)
}
