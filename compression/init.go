package compression

import (
	"math/rand/v2"
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-qat/config"
	"github.com/gomlx/onnx-qat/nn"
	"github.com/gomlx/onnx-qat/onnx"
	"github.com/gomlx/onnx-qat/quantization"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// paramIndex returns the index of the quantization parameter of the flat element flatIdx of a tensor
// shaped shape. The scale shape is aligned to the right of shape, axes of dimension 1 are broadcast.
func paramIndex(flatIdx int, shape, scaleShape []int) int {
	offset := len(shape) - len(scaleShape)
	stride := 1
	strides := make([]int, len(shape))
	for axis := len(shape) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape[axis]
	}
	idx := 0
	for axis, dim := range scaleShape {
		if dim > 1 {
			idx = idx*dim + (flatIdx/strides[axis+offset])%shape[axis+offset]
		}
	}
	return idx
}

// minMaxPerParam returns the minimum and maximum of values for each quantization parameter.
func minMaxPerParam(values []float32, shape, scaleShape []int) (minV, maxV []float32) {
	numParams := 1
	for _, dim := range scaleShape {
		numParams *= dim
	}
	minV, maxV = make([]float32, numParams), make([]float32, numParams)
	for ii := range numParams {
		minV[ii], maxV[ii] = math32.Inf(1), math32.Inf(-1)
	}
	for ii, v := range values {
		idx := paramIndex(ii, shape, scaleShape)
		minV[idx] = math32.Min(minV[idx], v)
		maxV[idx] = math32.Max(maxV[idx], v)
	}
	return
}

// initWeightQuantizers sets the range of the weight quantizers to the minimum and maximum of the weights
// (per output channel for per-channel quantizers).
func initWeightQuantizers(setup *quantization.Setup) error {
	for _, point := range setup.PointsOfKind(quantization.WeightPoint) {
		op := point.Op
		minV, maxV := minMaxPerParam(op.Weight, op.WeightShape(), point.Quantizer.Spec().ScaleShape)
		if err := point.Quantizer.InitRange(minV, maxV); err != nil {
			return errors.WithMessagef(err, "while initializing %s", point.Name())
		}
		klog.V(2).Infof("initialized %s", point)
	}
	return nil
}

// rangeCollector accumulates the statistics of the activation quantizers over calibration samples.
type rangeCollector struct {
	rangeType  string
	numSamples int
	minV, maxV [][]float32
}

func newRangeCollector(points []*quantization.QuantizationPoint, rangeType string) *rangeCollector {
	rc := &rangeCollector{
		rangeType: rangeType,
		minV:      make([][]float32, len(points)),
		maxV:      make([][]float32, len(points)),
	}
	for ii, point := range points {
		n := point.Quantizer.Spec().NumParams()
		rc.minV[ii], rc.maxV[ii] = make([]float32, n), make([]float32, n)
		if rangeType == config.RangeInitMinMax {
			for jj := range n {
				rc.minV[ii][jj], rc.maxV[ii][jj] = math32.Inf(1), math32.Inf(-1)
			}
		}
	}
	return rc
}

// add the per-sample minimum and maximum of each point.
func (rc *rangeCollector) add(pointIdx int, sampleMin, sampleMax []float32) {
	minV, maxV := rc.minV[pointIdx], rc.maxV[pointIdx]
	for ii := range minV {
		if rc.rangeType == config.RangeInitMeanMinMax {
			minV[ii] += sampleMin[ii]
			maxV[ii] += sampleMax[ii]
		} else {
			minV[ii] = math32.Min(minV[ii], sampleMin[ii])
			maxV[ii] = math32.Max(maxV[ii], sampleMax[ii])
		}
	}
}

// result returns the collected range of the point.
func (rc *rangeCollector) result(pointIdx int) (minV, maxV []float32) {
	minV, maxV = slices.Clone(rc.minV[pointIdx]), slices.Clone(rc.maxV[pointIdx])
	if rc.rangeType == config.RangeInitMeanMinMax && rc.numSamples > 0 {
		n := float32(rc.numSamples)
		for ii := range minV {
			minV[ii] /= n
			maxV[ii] /= n
		}
	}
	return
}

// reduceToScaleShape reduces x over the axes where the scale shape (aligned to the right) is 1, and returns
// a flat vector with one value per quantization parameter.
func reduceToScaleShape(x *Node, scaleShape []int, reduceFn func(x *Node, axes ...int) *Node) *Node {
	rank := x.Rank()
	offset := rank - len(scaleShape)
	numParams := 1
	var axes []int
	for axis := range rank {
		if axis < offset || scaleShape[axis-offset] == 1 {
			axes = append(axes, axis)
		} else {
			numParams *= scaleShape[axis-offset]
		}
	}
	return Reshape(reduceFn(x, axes...), numParams)
}

// RandomSamples draws numSamples normally distributed samples for each of the given input shapes.
func RandomSamples(rng *rand.Rand, numSamples int, inputShapes [][]int) [][]*tensors.Tensor {
	samples := make([][]*tensors.Tensor, numSamples)
	for ii := range samples {
		samples[ii] = make([]*tensors.Tensor, len(inputShapes))
		for inputIdx, shape := range inputShapes {
			size := 1
			for _, dim := range shape {
				size *= dim
			}
			values := make([]float32, size)
			for jj := range values {
				values[jj] = float32(rng.NormFloat64())
			}
			samples[ii][inputIdx] = tensors.FromFlatDataAndDimensions(values, shape...)
		}
	}
	return samples
}

// CalibrationRow is one row of a calibration parquet file: the flat (row-major) values of one sample of
// the model input.
type CalibrationRow struct {
	Input []float32 `parquet:"input"`
}

// ReadCalibrationFile reads up to numSamples samples shaped inputShape from a parquet file of
// CalibrationRow rows.
func ReadCalibrationFile(path string, numSamples int, inputShape []int) ([][]*tensors.Tensor, error) {
	rows, err := parquet.ReadFile[CalibrationRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read calibration file %q", path)
	}
	if len(rows) == 0 {
		return nil, errors.Errorf("calibration file %q has no rows", path)
	}
	if len(rows) < numSamples {
		klog.Warningf("calibration file %q has %d rows, fewer than the %d samples requested", path, len(rows), numSamples)
	}
	rows = rows[:min(numSamples, len(rows))]
	size := 1
	for _, dim := range inputShape {
		size *= dim
	}
	samples := make([][]*tensors.Tensor, len(rows))
	for ii, row := range rows {
		if len(row.Input) != size {
			return nil, errors.Errorf("calibration file %q: row %d has %d values, input shape %v requires %d",
				path, ii, len(row.Input), inputShape, size)
		}
		samples[ii] = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(row.Input, inputShape...)}
	}
	return samples, nil
}

// WriteCalibrationFile writes samples (flat values of the model input) as a calibration parquet file.
func WriteCalibrationFile(path string, samples [][]float32) error {
	rows := make([]CalibrationRow, len(samples))
	for ii, sample := range samples {
		rows[ii].Input = sample
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return errors.Wrapf(err, "failed to write calibration file %q", path)
	}
	return nil
}

func (c *Controller) calibrationSamples(numSamples int) ([][]*tensors.Tensor, error) {
	inputShapes := make([][]int, len(c.Model.Inputs))
	for ii, v := range c.Model.Inputs {
		inputShapes[ii] = v.Shape
	}
	if c.opts.calibrationFile == "" {
		rng := rand.New(rand.NewPCG(c.opts.seed, 0x5eed))
		return RandomSamples(rng, numSamples, inputShapes), nil
	}
	if len(inputShapes) != 1 {
		return nil, errors.Errorf("calibration files only support models with one input, %q has %d",
			c.Model.Name, len(inputShapes))
	}
	return ReadCalibrationFile(c.opts.calibrationFile, numSamples, inputShapes[0])
}

// initActivationRanges runs the float model on the calibration samples and sets the range of each
// activation quantizer from the statistics of the tensor it quantizes.
func (c *Controller) initActivationRanges() error {
	points := c.Setup.PointsOfKind(quantization.ActivationPoint)
	if len(points) == 0 {
		return nil
	}
	rangeInit := c.Config.Compression.Initializer.Range
	samples, err := c.calibrationSamples(rangeInit.NumInitSamples)
	if err != nil {
		return err
	}
	backend := c.opts.backend
	if backend == nil {
		backend, err = backends.New()
		if err != nil {
			return errors.WithMessage(err, "failed to create GoMLX backend")
		}
		defer backend.Finalize()
	}

	floatProto, err := onnx.Export(c.Model, nil, c.exportOptions())
	if err != nil {
		return err
	}
	floatModel, err := onnx.FromProto(floatProto)
	if err != nil {
		return err
	}
	var valueNames []string
	valueIdx := make(map[*nn.Value]int)
	for _, point := range points {
		if _, found := valueIdx[point.Value]; !found {
			valueIdx[point.Value] = len(valueNames)
			valueNames = append(valueNames, point.Value.Name)
		}
	}

	var bar *progressbar.ProgressBar
	if c.opts.progressBar {
		bar = progressbar.Default(int64(len(samples)), "range init")
	}
	collector := newRangeCollector(points, rangeInit.Type)
	err = exceptions.TryCatch[error](func() {
		exec := MustNewExec(backend, func(inputs []*Node) []*Node {
			feed := make(map[string]*Node, len(inputs))
			for ii, v := range c.Model.Inputs {
				feed[v.Name] = inputs[ii]
			}
			values := floatModel.CallGraph(inputs[0].Graph(), feed, valueNames...)
			outputs := make([]*Node, 0, 2*len(points))
			for _, point := range points {
				x := values[valueIdx[point.Value]]
				scaleShape := point.Quantizer.Spec().ScaleShape
				outputs = append(outputs,
					reduceToScaleShape(x, scaleShape, ReduceMin),
					reduceToScaleShape(x, scaleShape, ReduceMax))
			}
			return outputs
		})
		defer exec.Finalize()
		for _, sample := range samples {
			args := make([]any, len(sample))
			for ii, t := range sample {
				args[ii] = t
			}
			results := exec.MustExec(args...)
			for pointIdx := range points {
				sampleMin := tensors.MustCopyFlatData[float32](results[2*pointIdx])
				sampleMax := tensors.MustCopyFlatData[float32](results[2*pointIdx+1])
				collector.add(pointIdx, sampleMin, sampleMax)
			}
			collector.numSamples++
			for _, t := range results {
				t.FinalizeAll()
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return errors.WithMessagef(err, "while collecting statistics of %q", c.Model.Name)
	}

	for pointIdx, point := range points {
		minV, maxV := collector.result(pointIdx)
		if err := point.Quantizer.InitRange(minV, maxV); err != nil {
			return errors.WithMessagef(err, "while initializing %s", point.Name())
		}
		klog.V(2).Infof("initialized %s: min=%v max=%v", point, minV, maxV)
	}
	klog.V(1).Infof("initialized %d activation quantizers of %q with %d samples (%s)",
		len(points), c.Model.Name, collector.numSamples, rangeInit.Type)
	return nil
}
