//go:build !onnx

package onnx

import (
	"context"
	"errors"
)

// ErrDisabled is returned when the binary was built without the onnx tag.
var ErrDisabled = errors.New("onnx: built without onnx support (rebuild with -tags onnx)")

// Provider is unavailable in this build.
type Provider struct{}

// New always fails in builds without the onnx tag.
func New(Config) (*Provider, error) { return nil, ErrDisabled }

func (*Provider) Embed(context.Context, string) ([]float32, error) { return nil, ErrDisabled }
func (*Provider) Dimension() int                                   { return 0 }
func (*Provider) Model() string                                    { return "" }
func (*Provider) Close() error                                     { return nil }
