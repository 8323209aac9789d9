// Package benchmarks implements support functionality for the benchmarks and cross-checks of the
// quantization ops and exported models, in GoMLX and in ONNX Runtime.
package benchmarks

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-qat/compression"
	"github.com/gomlx/onnx-qat/config"
	"github.com/gomlx/onnx-qat/nn/testmodels"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

// ORTLibraryEnv is the environment variable with the path to the ONNX Runtime shared library.
const ORTLibraryEnv = "ORT_SO_PATH"

// requireSameTensorsFloat32 compares two tensors and fails the test if they are not within a delta margin.
func requireSameTensorsFloat32(t *testing.T, want, got *tensors.Tensor, delta float64) {
	// Make sure shapes are the same.
	require.True(t, got.Shape().Equal(want.Shape()), "shapes differ: got %s, want %s", got.Shape(), want.Shape())
	flatIdx := 0
	gotFlat := tensors.MustCopyFlatData[float32](got)
	wantFlat := tensors.MustCopyFlatData[float32](want)
	var mismatches int
	for indices := range got.Shape().Iter() {
		gotValue := gotFlat[flatIdx]
		wantValue := wantFlat[flatIdx]
		if math.Abs(float64(gotValue)-float64(wantValue)) > delta {
			if mismatches < 3 {
				fmt.Printf("\tIndex %v (flatIdx=%d) has a mismatch: got %f, want %f\n", indices, flatIdx, gotValue, wantValue)
			} else if mismatches == 4 {
				fmt.Printf("\t...\n")
			}
			mismatches++
		}
		flatIdx++
	}
	if mismatches > 0 {
		fmt.Printf("Found %d mismatches in tensors\n", mismatches)
		panic(errors.Errorf("found %d mismatches in tensors", mismatches))
	}
}

// exportTestModel compresses the test model and exports it to a temporary file, whose path is returned.
// With standardOps, quantizers are exported as QuantizeLinear/DequantizeLinear pairs with a TRIAL
// (per-tensor) target device, which is what ONNX Runtime supports.
func exportTestModel(t testing.TB, modelName string, standardOps bool) string {
	model, err := testmodels.ByName(modelName)
	require.NoError(t, err)
	cfg := config.New(model.Inputs[0].Shape...)
	cfg.Compression.ExportToONNXStandardOps = standardOps
	if standardOps {
		cfg.TargetDevice = config.DeviceTrial
	}
	cfg.Compression.Initializer.Range.NumInitSamples = 4
	ctrl, err := compression.CreateCompressedModel(model, cfg)
	require.NoError(t, err)
	filePath := filepath.Join(t.TempDir(), modelName+".onnx")
	require.NoError(t, ctrl.Export(filePath))
	return filePath
}

// initializeORT initializes the ONNX Runtime environment, or skips the test if ORTLibraryEnv is not set.
// The environment is destroyed at the end of the test.
func initializeORT(t testing.TB) {
	ortPath := os.Getenv(ORTLibraryEnv)
	if ortPath == "" {
		t.Skipf("Set %s with the path to your ONNX Runtime dynamic linked library to run this test", ORTLibraryEnv)
	}
	ort.SetSharedLibraryPath(ortPath)
	require.NoError(t, ort.InitializeEnvironment())
	t.Cleanup(func() { _ = ort.DestroyEnvironment() })
}

// formatDuration formats the duration with 2 decimal places but keeping the unit suffix.
func formatDuration(d time.Duration) string {
	s := d.String()
	i := 0
	for ; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			break
		}
	}
	// Found the time unit (the suffix)
	num := s[:i]
	unit := s[i:]
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", f, unit)
}
