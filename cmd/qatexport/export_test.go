package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/gomlx/onnx-qat/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportCmd(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "two_conv.onnx")
	var out bytes.Buffer
	cmd := exportCmd()
	cmd.Writer = &out
	err := cmd.Run(context.Background(), []string{"export",
		"--model", "two_conv", "--output", outputPath,
		"--target-device", "trial", "--standard-ops", "--print-config"})
	require.NoError(t, err)

	// The printed configuration includes the command line overrides.
	assert.Contains(t, out.String(), `"target_device": "TRIAL"`)
	assert.Contains(t, out.String(), `"export_to_onnx_standard_ops": true`)

	m, err := onnx.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Contains(t, m.String(), "QuantizeLinear: 4")
}

func TestExportCmdErrors(t *testing.T) {
	cmd := exportCmd()
	cmd.Writer = &bytes.Buffer{}
	err := cmd.Run(context.Background(), []string{"export",
		"--model", "unknown", "--output", filepath.Join(t.TempDir(), "x.onnx")})
	require.Error(t, err)
}
