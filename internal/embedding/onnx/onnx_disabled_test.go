//go:build !onnx

package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledBuild(t *testing.T) {
	p, err := New(Config{ModelPath: "model.onnx"})
	require.ErrorIs(t, err, ErrDisabled)
	assert.Nil(t, p)
}
