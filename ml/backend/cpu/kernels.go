package cpu

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/vtonlabs/tryon/envconfig"
	"github.com/vtonlabs/tryon/ml"
)

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}

func floor32(v float32) int {
	return int(math.Floor(float64(v)))
}

var numThreads = sync.OnceValue(func() int {
	if envconfig.NumParallel > 0 {
		return envconfig.NumParallel
	}

	return runtime.NumCPU()
})

// parallel splits [0, n) into one contiguous range per worker and blocks
// until all ranges are done.
func parallel(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	workers := min(numThreads(), n)
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}

func (t *tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := t2.(*tensor)

	k, m := t.dim(0), t.dim(1)
	if b.dim(0) != k {
		panic(fmt.Sprintf("cpu: mulmat inner dims differ: %v x %v", t.shape, b.shape))
	}

	n := b.dim(1)
	if t.dim(2) != b.dim(2) || t.dim(3) != b.dim(3) {
		panic(fmt.Sprintf("cpu: mulmat batch dims differ: %v x %v", t.shape, b.shape))
	}

	batches := t.dim(2) * t.dim(3)
	out := newTensor(m, n, t.dim(2), t.dim(3))
	parallel(batches*n, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			j := r % n
			bt := r / n

			brow := b.data[(bt*n+j)*k : (bt*n+j+1)*k]
			dst := out.data[(bt*n+j)*m : (bt*n+j+1)*m]
			for i := range m {
				arow := t.data[(bt*m+i)*k : (bt*m+i+1)*k]

				var sum float32
				for p := range k {
					sum += arow[p] * brow[p]
				}
				dst[i] = sum
			}
		}
	})

	return out
}

func (t *tensor) Conv2D(ctx ml.Context, t2 ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	k := t2.(*tensor)

	w, h, c, n := t.dim(0), t.dim(1), t.dim(2), t.dim(3)
	kw, kh, kc, oc := k.dim(0), k.dim(1), k.dim(2), k.dim(3)
	if kc != c {
		panic(fmt.Sprintf("cpu: conv2d channels differ: input %v, kernel %v", t.shape, k.shape))
	}

	ow := (w+2*p0-d0*(kw-1)-1)/s0 + 1
	oh := (h+2*p1-d1*(kh-1)-1)/s1 + 1

	out := newTensor(ow, oh, oc, n)
	parallel(n*oc*oh, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			oy := r % oh
			o := r / oh % oc
			b := r / (oh * oc)

			dst := out.data[r*ow : (r+1)*ow]
			for ox := range ow {
				var sum float32
				for ic := range c {
					src := t.data[(b*c+ic)*h*w:]
					kern := k.data[(o*c+ic)*kh*kw:]
					for ky := range kh {
						iy := oy*s1 - p1 + ky*d1
						if iy < 0 || iy >= h {
							continue
						}

						for kx := range kw {
							ix := ox*s0 - p0 + kx*d0
							if ix < 0 || ix >= w {
								continue
							}

							sum += src[iy*w+ix] * kern[ky*kw+kx]
						}
					}
				}
				dst[ox] = sum
			}
		}
	})

	return out
}

func (t *tensor) ConvTranspose2D(ctx ml.Context, t2 ml.Tensor, s0, s1, p0, p1 int) ml.Tensor {
	k := t2.(*tensor)

	w, h, c, n := t.dim(0), t.dim(1), t.dim(2), t.dim(3)
	kw, kh, oc, kc := k.dim(0), k.dim(1), k.dim(2), k.dim(3)
	if kc != c {
		panic(fmt.Sprintf("cpu: conv transpose channels differ: input %v, kernel %v", t.shape, k.shape))
	}

	ow := (w-1)*s0 - 2*p0 + kw
	oh := (h-1)*s1 - 2*p1 + kh

	// Gather form: each output position sums the input positions whose
	// upsampled footprint covers it.
	out := newTensor(ow, oh, oc, n)
	parallel(n*oc*oh, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			oy := r % oh
			o := r / oh % oc
			b := r / (oh * oc)

			dst := out.data[r*ow : (r+1)*ow]
			for ox := range ow {
				var sum float32
				for ic := range c {
					src := t.data[(b*c+ic)*h*w:]
					kern := k.data[(ic*oc+o)*kh*kw:]
					for ky := range kh {
						if (oy+p1-ky)%s1 != 0 {
							continue
						}

						iy := (oy + p1 - ky) / s1
						if iy < 0 || iy >= h {
							continue
						}

						for kx := range kw {
							if (ox+p0-kx)%s0 != 0 {
								continue
							}

							ix := (ox + p0 - kx) / s0
							if ix < 0 || ix >= w {
								continue
							}

							sum += src[iy*w+ix] * kern[ky*kw+kx]
						}
					}
				}
				dst[ox] = sum
			}
		}
	})

	return out
}

func (t *tensor) BatchNorm(ctx ml.Context, eps float32) ml.Tensor {
	w, h, c, n := t.dim(0), t.dim(1), t.dim(2), t.dim(3)
	hw := h * w

	out := &tensor{data: make([]float32, len(t.data)), shape: t.Shape()}
	parallel(c, func(lo, hi int) {
		for ic := lo; ic < hi; ic++ {
			var sum float32
			for b := range n {
				src := t.data[(b*c+ic)*hw : (b*c+ic+1)*hw]
				for _, v := range src {
					sum += v
				}
			}
			mean := sum / float32(n*hw)

			var sq float32
			for b := range n {
				src := t.data[(b*c+ic)*hw : (b*c+ic+1)*hw]
				for _, v := range src {
					d := v - mean
					sq += d * d
				}
			}
			inv := 1 / sqrt32(sq/float32(n*hw)+eps)

			for b := range n {
				src := t.data[(b*c+ic)*hw : (b*c+ic+1)*hw]
				dst := out.data[(b*c+ic)*hw : (b*c+ic+1)*hw]
				for i, v := range src {
					dst[i] = (v - mean) * inv
				}
			}
		}
	})

	return out
}

func (t *tensor) InstanceNorm(ctx ml.Context, eps float32) ml.Tensor {
	hw := t.dim(0) * t.dim(1)
	c, n := t.dim(2), t.dim(3)

	out := &tensor{data: make([]float32, len(t.data)), shape: t.Shape()}
	parallel(n*c, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			src := t.data[r*hw : (r+1)*hw]
			dst := out.data[r*hw : (r+1)*hw]

			var sum float32
			for _, v := range src {
				sum += v
			}
			mean := sum / float32(hw)

			var sq float32
			for _, v := range src {
				d := v - mean
				sq += d * d
			}
			inv := 1 / sqrt32(sq/float32(hw)+eps)

			for i, v := range src {
				dst[i] = (v - mean) * inv
			}
		}
	})

	return out
}

func (t *tensor) Interpolate(ctx ml.Context, w2, h2 int, mode ml.SamplingMode) ml.Tensor {
	w, h, c, n := t.dim(0), t.dim(1), t.dim(2), t.dim(3)

	out := newTensor(w2, h2, c, n)
	switch mode {
	case ml.SamplingNearest:
		parallel(n*c*h2, func(lo, hi int) {
			for r := lo; r < hi; r++ {
				oy := r % h2
				p := r / h2

				iy := oy * h / h2
				src := t.data[(p*h+iy)*w : (p*h+iy+1)*w]
				dst := out.data[r*w2 : (r+1)*w2]
				for ox := range w2 {
					dst[ox] = src[ox*w/w2]
				}
			}
		})
	case ml.SamplingBilinear:
		sx := float32(w) / float32(w2)
		sy := float32(h) / float32(h2)
		parallel(n*c*h2, func(lo, hi int) {
			for r := lo; r < hi; r++ {
				oy := r % h2
				p := r / h2

				fy := (float32(oy)+0.5)*sy - 0.5
				y0 := floor32(fy)
				wy := fy - float32(y0)
				y1 := min(max(y0+1, 0), h-1)
				y0 = min(max(y0, 0), h-1)

				row0 := t.data[(p*h+y0)*w : (p*h+y0+1)*w]
				row1 := t.data[(p*h+y1)*w : (p*h+y1+1)*w]
				dst := out.data[r*w2 : (r+1)*w2]
				for ox := range w2 {
					fx := (float32(ox)+0.5)*sx - 0.5
					x0 := floor32(fx)
					wx := fx - float32(x0)
					x1 := min(max(x0+1, 0), w-1)
					x0 = min(max(x0, 0), w-1)

					top := row0[x0] + wx*(row0[x1]-row0[x0])
					bottom := row1[x0] + wx*(row1[x1]-row1[x0])
					dst[ox] = top + wy*(bottom-top)
				}
			}
		})
	default:
		panic(fmt.Sprintf("cpu: unknown sampling mode %d", mode))
	}

	return out
}

func (t *tensor) Warp(ctx ml.Context, flow ml.Tensor) ml.Tensor {
	f := flow.(*tensor)

	w, h, c, n := t.dim(0), t.dim(1), t.dim(2), t.dim(3)
	if f.dim(0) != w || f.dim(1) != h || f.dim(2) != 2 || f.dim(3) != n {
		panic(fmt.Sprintf("cpu: flow shape %v does not match input %v", f.shape, t.shape))
	}

	out := &tensor{data: make([]float32, len(t.data)), shape: t.Shape()}
	parallel(n*h, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			y := r % h
			b := r / h

			fx := f.data[(b*2)*h*w+y*w:]
			fy := f.data[(b*2+1)*h*w+y*w:]
			for x := range w {
				sx := float32(x) + fx[x]
				sy := float32(y) + fy[x]

				x0 := floor32(sx)
				y0 := floor32(sy)
				wx := sx - float32(x0)
				wy := sy - float32(y0)

				x1 := min(max(x0+1, 0), w-1)
				y1 := min(max(y0+1, 0), h-1)
				x0 = min(max(x0, 0), w-1)
				y0 = min(max(y0, 0), h-1)

				for ic := range c {
					src := t.data[(b*c+ic)*h*w:]

					top := src[y0*w+x0] + wx*(src[y0*w+x1]-src[y0*w+x0])
					bottom := src[y1*w+x0] + wx*(src[y1*w+x1]-src[y1*w+x0])
					out.data[(b*c+ic)*h*w+y*w+x] = top + wy*(bottom-top)
				}
			}
		}
	})

	return out
}
