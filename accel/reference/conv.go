package reference

import (
	"unsafe"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-dnn/accel"
	"github.com/tsawler/go-dnn/memory"
)

// convGeom is a validated convolution problem: x (n,c,h,w) * w (k,c,kh,kw) -> y (n,k,oh,ow)
type convGeom struct {
	x    *tensorDesc
	w    *filterDesc
	y    *tensorDesc
	conv *convDesc
}

func (g *convGeom) colRows() int {
	return g.w.c * g.w.h * g.w.w
}

func (g *convGeom) colCols() int {
	return g.y.h * g.y.w
}

// colBytes is the im2col buffer size used by every GEMM algorithm
func (g *convGeom) colBytes() int {
	return memory.SizeOf(g.colRows(), g.colCols())
}

func geometry(op string, xd accel.TensorDescriptor, wd accel.FilterDescriptor,
	cd accel.ConvolutionDescriptor, yd accel.TensorDescriptor) (*convGeom, error) {
	x, err := asTensor(op, xd)
	if err != nil {
		return nil, err
	}
	w, err := asFilter(op, wd)
	if err != nil {
		return nil, err
	}
	conv, err := asConv(op, cd)
	if err != nil {
		return nil, err
	}
	y, err := asTensor(op, yd)
	if err != nil {
		return nil, err
	}

	if x.c != w.c {
		return nil, accel.Errorf(op, accel.StatusBadParam, "input channels %d, filter channels %d", x.c, w.c)
	}
	oh := accel.ConvOutputDim(x.h, conv.padH, w.h, conv.strideH)
	ow := accel.ConvOutputDim(x.w, conv.padW, w.w, conv.strideW)
	if y.n != x.n || y.c != w.k || y.h != oh || y.w != ow {
		return nil, accel.Errorf(op, accel.StatusBadParam,
			"output %dx%dx%dx%d, expected %dx%dx%dx%d", y.n, y.c, y.h, y.w, x.n, w.k, oh, ow)
	}
	return &convGeom{x: x, w: w, y: y, conv: conv}, nil
}

func selectGemm(g *convGeom, workspaceLimit int) bool {
	return g.colBytes() <= workspaceLimit
}

func (l *Library) GetConvolutionForwardAlgorithm(x accel.TensorDescriptor, w accel.FilterDescriptor,
	conv accel.ConvolutionDescriptor, y accel.TensorDescriptor, workspaceLimit int) (accel.FwdAlgo, error) {
	g, err := geometry("GetConvolutionForwardAlgorithm", x, w, conv, y)
	if err != nil {
		return FwdAlgoDirect, err
	}
	if selectGemm(g, workspaceLimit) {
		return FwdAlgoGemm, nil
	}
	return FwdAlgoDirect, nil
}

func (l *Library) GetConvolutionForwardWorkspaceSize(x accel.TensorDescriptor, w accel.FilterDescriptor,
	conv accel.ConvolutionDescriptor, y accel.TensorDescriptor, algo accel.FwdAlgo) (int, error) {
	const op = "GetConvolutionForwardWorkspaceSize"
	g, err := geometry(op, x, w, conv, y)
	if err != nil {
		return 0, err
	}
	switch algo {
	case FwdAlgoDirect:
		return 0, nil
	case FwdAlgoGemm:
		return g.colBytes(), nil
	default:
		return 0, accel.Errorf(op, accel.StatusNotSupported, "forward algorithm %d", algo)
	}
}

func (l *Library) GetConvolutionBackwardFilterAlgorithm(x, dy accel.TensorDescriptor,
	conv accel.ConvolutionDescriptor, dw accel.FilterDescriptor, workspaceLimit int) (accel.BwdFilterAlgo, error) {
	g, err := geometry("GetConvolutionBackwardFilterAlgorithm", x, dw, conv, dy)
	if err != nil {
		return BwdFilterAlgoDirect, err
	}
	if selectGemm(g, workspaceLimit) {
		return BwdFilterAlgoGemm, nil
	}
	return BwdFilterAlgoDirect, nil
}

func (l *Library) GetConvolutionBackwardFilterWorkspaceSize(x, dy accel.TensorDescriptor,
	conv accel.ConvolutionDescriptor, dw accel.FilterDescriptor, algo accel.BwdFilterAlgo) (int, error) {
	const op = "GetConvolutionBackwardFilterWorkspaceSize"
	g, err := geometry(op, x, dw, conv, dy)
	if err != nil {
		return 0, err
	}
	switch algo {
	case BwdFilterAlgoDirect:
		return 0, nil
	case BwdFilterAlgoGemm:
		return g.colBytes(), nil
	default:
		return 0, accel.Errorf(op, accel.StatusNotSupported, "backward filter algorithm %d", algo)
	}
}

func (l *Library) GetConvolutionBackwardDataAlgorithm(w accel.FilterDescriptor, dy accel.TensorDescriptor,
	conv accel.ConvolutionDescriptor, dx accel.TensorDescriptor, workspaceLimit int) (accel.BwdDataAlgo, error) {
	g, err := geometry("GetConvolutionBackwardDataAlgorithm", dx, w, conv, dy)
	if err != nil {
		return BwdDataAlgoDirect, err
	}
	if selectGemm(g, workspaceLimit) {
		return BwdDataAlgoGemm, nil
	}
	return BwdDataAlgoDirect, nil
}

func (l *Library) GetConvolutionBackwardDataWorkspaceSize(w accel.FilterDescriptor, dy accel.TensorDescriptor,
	conv accel.ConvolutionDescriptor, dx accel.TensorDescriptor, algo accel.BwdDataAlgo) (int, error) {
	const op = "GetConvolutionBackwardDataWorkspaceSize"
	g, err := geometry(op, dx, w, conv, dy)
	if err != nil {
		return 0, err
	}
	switch algo {
	case BwdDataAlgoDirect:
		return 0, nil
	case BwdDataAlgoGemm:
		return g.colBytes(), nil
	default:
		return 0, accel.Errorf(op, accel.StatusNotSupported, "backward data algorithm %d", algo)
	}
}

func (l *Library) ConvolutionForward(alpha float32, xDesc accel.TensorDescriptor, x unsafe.Pointer,
	wDesc accel.FilterDescriptor, w unsafe.Pointer, convDesc accel.ConvolutionDescriptor, algo accel.FwdAlgo,
	workspace unsafe.Pointer, workspaceSize int,
	beta float32, yDesc accel.TensorDescriptor, y unsafe.Pointer) error {
	const op = "ConvolutionForward"
	g, err := geometry(op, xDesc, wDesc, convDesc, yDesc)
	if err != nil {
		return err
	}
	if x == nil || w == nil || y == nil {
		return accel.Errorf(op, accel.StatusBadParam, "nil data pointer")
	}
	xv := memory.HostFloat32s(x, g.x.extent())
	wv := memory.HostFloat32s(w, g.w.count())
	yv := memory.HostFloat32s(y, g.y.extent())

	switch algo {
	case FwdAlgoDirect:
		return l.forEach(g.x.n, func(n int) {
			forwardDirect(g, xv, wv, yv, n, alpha, beta)
		})
	case FwdAlgoGemm:
		col, err := columnBuffer(op, g, workspace, workspaceSize)
		if err != nil {
			return err
		}
		// Host staging for the GEMM result lives outside the device workspace
		out := memory.HostScratch().Get(g.y.c * g.colCols())
		defer memory.HostScratch().Put(out)
		for n := 0; n < g.x.n; n++ {
			im2col(g, xv, n, col)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				general(g.w.k, g.colRows(), wv),
				general(g.colRows(), g.colCols(), col),
				0, general(g.w.k, g.colCols(), out))
			scatterOutput(g.y, out, yv, n, alpha, beta)
		}
		return nil
	default:
		return accel.Errorf(op, accel.StatusNotSupported, "forward algorithm %d", algo)
	}
}

func (l *Library) ConvolutionBackwardFilter(alpha float32, xDesc accel.TensorDescriptor, x unsafe.Pointer,
	dyDesc accel.TensorDescriptor, dy unsafe.Pointer, convDesc accel.ConvolutionDescriptor, algo accel.BwdFilterAlgo,
	workspace unsafe.Pointer, workspaceSize int,
	beta float32, dwDesc accel.FilterDescriptor, dw unsafe.Pointer) error {
	const op = "ConvolutionBackwardFilter"
	g, err := geometry(op, xDesc, dwDesc, convDesc, dyDesc)
	if err != nil {
		return err
	}
	if x == nil || dy == nil || dw == nil {
		return accel.Errorf(op, accel.StatusBadParam, "nil data pointer")
	}
	xv := memory.HostFloat32s(x, g.x.extent())
	dyv := memory.HostFloat32s(dy, g.y.extent())
	dwv := memory.HostFloat32s(dw, g.w.count())

	switch algo {
	case BwdFilterAlgoDirect:
		return l.forEach(g.w.k, func(k int) {
			backwardFilterDirect(g, xv, dyv, dwv, k, alpha, beta)
		})
	case BwdFilterAlgoGemm:
		col, err := columnBuffer(op, g, workspace, workspaceSize)
		if err != nil {
			return err
		}
		acc := memory.HostScratch().Get(g.w.count())
		defer memory.HostScratch().Put(acc)
		clear(acc)
		dyn := memory.HostScratch().Get(g.y.c * g.colCols())
		defer memory.HostScratch().Put(dyn)
		for n := 0; n < g.x.n; n++ {
			im2col(g, xv, n, col)
			gatherOutput(g.y, dyv, dyn, n)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1,
				general(g.w.k, g.colCols(), dyn),
				general(g.colRows(), g.colCols(), col),
				1, general(g.w.k, g.colRows(), acc))
		}
		for i, v := range acc {
			blend(&dwv[i], v, alpha, beta)
		}
		return nil
	default:
		return accel.Errorf(op, accel.StatusNotSupported, "backward filter algorithm %d", algo)
	}
}

func (l *Library) ConvolutionBackwardData(alpha float32, wDesc accel.FilterDescriptor, w unsafe.Pointer,
	dyDesc accel.TensorDescriptor, dy unsafe.Pointer, convDesc accel.ConvolutionDescriptor, algo accel.BwdDataAlgo,
	workspace unsafe.Pointer, workspaceSize int,
	beta float32, dxDesc accel.TensorDescriptor, dx unsafe.Pointer) error {
	const op = "ConvolutionBackwardData"
	g, err := geometry(op, dxDesc, wDesc, convDesc, dyDesc)
	if err != nil {
		return err
	}
	if w == nil || dy == nil || dx == nil {
		return accel.Errorf(op, accel.StatusBadParam, "nil data pointer")
	}
	wv := memory.HostFloat32s(w, g.w.count())
	dyv := memory.HostFloat32s(dy, g.y.extent())
	dxv := memory.HostFloat32s(dx, g.x.extent())

	switch algo {
	case BwdDataAlgoDirect:
		return l.forEach(g.x.n, func(n int) {
			backwardDataDirect(g, wv, dyv, dxv, n, alpha, beta)
		})
	case BwdDataAlgoGemm:
		col, err := columnBuffer(op, g, workspace, workspaceSize)
		if err != nil {
			return err
		}
		dyn := memory.HostScratch().Get(g.y.c * g.colCols())
		defer memory.HostScratch().Put(dyn)
		acc := memory.HostScratch().Get(g.x.c * g.x.h * g.x.w)
		defer memory.HostScratch().Put(acc)
		for n := 0; n < g.x.n; n++ {
			gatherOutput(g.y, dyv, dyn, n)
			blas32.Gemm(blas.Trans, blas.NoTrans, 1,
				general(g.w.k, g.colRows(), wv),
				general(g.w.k, g.colCols(), dyn),
				0, general(g.colRows(), g.colCols(), col))
			clear(acc)
			col2im(g, col, acc)
			scatterInput(g.x, acc, dxv, n, alpha, beta)
		}
		return nil
	default:
		return accel.Errorf(op, accel.StatusNotSupported, "backward data algorithm %d", algo)
	}
}

func (l *Library) ConvolutionBackwardBias(alpha float32, dyDesc accel.TensorDescriptor, dy unsafe.Pointer,
	beta float32, dbDesc accel.TensorDescriptor, db unsafe.Pointer) error {
	const op = "ConvolutionBackwardBias"
	y, err := asTensor(op, dyDesc)
	if err != nil {
		return err
	}
	b, err := asTensor(op, dbDesc)
	if err != nil {
		return err
	}
	if b.n != 1 || b.c != y.c || b.h != 1 || b.w != 1 {
		return accel.Errorf(op, accel.StatusBadParam, "bias %dx%dx%dx%d for %d channels", b.n, b.c, b.h, b.w, y.c)
	}
	if dy == nil || db == nil {
		return accel.Errorf(op, accel.StatusBadParam, "nil data pointer")
	}
	dyv := memory.HostFloat32s(dy, y.extent())
	dbv := memory.HostFloat32s(db, b.extent())
	for c := 0; c < y.c; c++ {
		var sum float32
		for n := 0; n < y.n; n++ {
			for h := 0; h < y.h; h++ {
				for w := 0; w < y.w; w++ {
					sum += dyv[y.index(n, c, h, w)]
				}
			}
		}
		blend(&dbv[b.index(0, c, 0, 0)], sum, alpha, beta)
	}
	return nil
}

func (l *Library) AddTensor(alpha float32, bDesc accel.TensorDescriptor, b unsafe.Pointer,
	beta float32, yDesc accel.TensorDescriptor, y unsafe.Pointer) error {
	const op = "AddTensor"
	bd, err := asTensor(op, bDesc)
	if err != nil {
		return err
	}
	yd, err := asTensor(op, yDesc)
	if err != nil {
		return err
	}
	if b == nil || y == nil {
		return accel.Errorf(op, accel.StatusBadParam, "nil data pointer")
	}

	perChannel := bd.n == 1 && bd.c == yd.c && bd.h == 1 && bd.w == 1
	if !perChannel && !bd.sameShape(yd) {
		return accel.Errorf(op, accel.StatusNotSupported, "broadcast %dx%dx%dx%d over %dx%dx%dx%d",
			bd.n, bd.c, bd.h, bd.w, yd.n, yd.c, yd.h, yd.w)
	}
	bv := memory.HostFloat32s(b, bd.extent())
	yv := memory.HostFloat32s(y, yd.extent())
	for n := 0; n < yd.n; n++ {
		for c := 0; c < yd.c; c++ {
			for h := 0; h < yd.h; h++ {
				for w := 0; w < yd.w; w++ {
					var v float32
					if perChannel {
						v = bv[bd.index(0, c, 0, 0)]
					} else {
						v = bv[bd.index(n, c, h, w)]
					}
					blend(&yv[yd.index(n, c, h, w)], v, alpha, beta)
				}
			}
		}
	}
	return nil
}

// forEach runs fn(i) for i in [0, n) on a bounded errgroup
func (l *Library) forEach(n int, fn func(i int)) error {
	var eg errgroup.Group
	eg.SetLimit(l.parallelism)
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			fn(i)
			return nil
		})
	}
	return eg.Wait()
}

func columnBuffer(op string, g *convGeom, workspace unsafe.Pointer, workspaceSize int) ([]float32, error) {
	need := g.colBytes()
	if workspace == nil || workspaceSize < need {
		return nil, accel.Errorf(op, accel.StatusBadParam, "workspace %d bytes, need %d", workspaceSize, need)
	}
	return memory.HostFloat32s(workspace, g.colRows()*g.colCols()), nil
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// blend writes dst = alpha*v + beta*dst; a zero beta never reads dst
func blend(dst *float32, v, alpha, beta float32) {
	if beta == 0 {
		*dst = alpha * v
		return
	}
	*dst = alpha*v + beta**dst
}

// inputAt returns x[n,c,ih,iw] or zero inside the padding
func inputAt(x *tensorDesc, xv []float32, n, c, ih, iw int) float32 {
	if ih < 0 || ih >= x.h || iw < 0 || iw >= x.w {
		return 0
	}
	return xv[x.index(n, c, ih, iw)]
}

func filterIndex(w *filterDesc, k, c, r, s int) int {
	return ((k*w.c+c)*w.h+r)*w.w + s
}

func forwardDirect(g *convGeom, xv, wv, yv []float32, n int, alpha, beta float32) {
	x, w, y, cv := g.x, g.w, g.y, g.conv
	for k := 0; k < w.k; k++ {
		for oh := 0; oh < y.h; oh++ {
			for ow := 0; ow < y.w; ow++ {
				var sum float32
				for c := 0; c < w.c; c++ {
					for r := 0; r < w.h; r++ {
						ih := oh*cv.strideH - cv.padH + r
						for s := 0; s < w.w; s++ {
							iw := ow*cv.strideW - cv.padW + s
							sum += inputAt(x, xv, n, c, ih, iw) * wv[filterIndex(w, k, c, r, s)]
						}
					}
				}
				blend(&yv[y.index(n, k, oh, ow)], sum, alpha, beta)
			}
		}
	}
}

func backwardFilterDirect(g *convGeom, xv, dyv, dwv []float32, k int, alpha, beta float32) {
	x, w, y, cv := g.x, g.w, g.y, g.conv
	for c := 0; c < w.c; c++ {
		for r := 0; r < w.h; r++ {
			for s := 0; s < w.w; s++ {
				var sum float32
				for n := 0; n < x.n; n++ {
					for oh := 0; oh < y.h; oh++ {
						ih := oh*cv.strideH - cv.padH + r
						for ow := 0; ow < y.w; ow++ {
							iw := ow*cv.strideW - cv.padW + s
							sum += dyv[y.index(n, k, oh, ow)] * inputAt(x, xv, n, c, ih, iw)
						}
					}
				}
				blend(&dwv[filterIndex(w, k, c, r, s)], sum, alpha, beta)
			}
		}
	}
}

func backwardDataDirect(g *convGeom, wv, dyv, dxv []float32, n int, alpha, beta float32) {
	x, w, y, cv := g.x, g.w, g.y, g.conv
	acc := make([]float32, x.c*x.h*x.w)
	for k := 0; k < w.k; k++ {
		for oh := 0; oh < y.h; oh++ {
			for ow := 0; ow < y.w; ow++ {
				d := dyv[y.index(n, k, oh, ow)]
				for c := 0; c < w.c; c++ {
					for r := 0; r < w.h; r++ {
						ih := oh*cv.strideH - cv.padH + r
						if ih < 0 || ih >= x.h {
							continue
						}
						for s := 0; s < w.w; s++ {
							iw := ow*cv.strideW - cv.padW + s
							if iw < 0 || iw >= x.w {
								continue
							}
							acc[(c*x.h+ih)*x.w+iw] += d * wv[filterIndex(w, k, c, r, s)]
						}
					}
				}
			}
		}
	}
	scatterInput(x, acc, dxv, n, alpha, beta)
}

// im2col lays out image n of x as a (c·kh·kw) × (oh·ow) column matrix
func im2col(g *convGeom, xv []float32, n int, col []float32) {
	x, w, cv := g.x, g.w, g.conv
	cols := g.colCols()
	for c := 0; c < w.c; c++ {
		for r := 0; r < w.h; r++ {
			for s := 0; s < w.w; s++ {
				row := (c*w.h+r)*w.w + s
				for oh := 0; oh < g.y.h; oh++ {
					ih := oh*cv.strideH - cv.padH + r
					for ow := 0; ow < g.y.w; ow++ {
						iw := ow*cv.strideW - cv.padW + s
						col[row*cols+oh*g.y.w+ow] = inputAt(x, xv, n, c, ih, iw)
					}
				}
			}
		}
	}
}

// col2im accumulates a column matrix back into a dense c×h×w image
func col2im(g *convGeom, col, acc []float32) {
	x, w, cv := g.x, g.w, g.conv
	cols := g.colCols()
	for c := 0; c < w.c; c++ {
		for r := 0; r < w.h; r++ {
			for s := 0; s < w.w; s++ {
				row := (c*w.h+r)*w.w + s
				for oh := 0; oh < g.y.h; oh++ {
					ih := oh*cv.strideH - cv.padH + r
					if ih < 0 || ih >= x.h {
						continue
					}
					for ow := 0; ow < g.y.w; ow++ {
						iw := ow*cv.strideW - cv.padW + s
						if iw < 0 || iw >= x.w {
							continue
						}
						acc[(c*x.h+ih)*x.w+iw] += col[row*cols+oh*g.y.w+ow]
					}
				}
			}
		}
	}
}

// gatherOutput copies image n of a strided tensor into a dense c×(h·w) matrix
func gatherOutput(d *tensorDesc, src, dst []float32, n int) {
	for c := 0; c < d.c; c++ {
		for h := 0; h < d.h; h++ {
			for w := 0; w < d.w; w++ {
				dst[(c*d.h+h)*d.w+w] = src[d.index(n, c, h, w)]
			}
		}
	}
}

// scatterOutput blends a dense c×(h·w) matrix into image n of a strided tensor
func scatterOutput(d *tensorDesc, src, dst []float32, n int, alpha, beta float32) {
	for c := 0; c < d.c; c++ {
		for h := 0; h < d.h; h++ {
			for w := 0; w < d.w; w++ {
				blend(&dst[d.index(n, c, h, w)], src[(c*d.h+h)*d.w+w], alpha, beta)
			}
		}
	}
}

func scatterInput(d *tensorDesc, src, dst []float32, n int, alpha, beta float32) {
	scatterOutput(d, src, dst, n, alpha, beta)
}
