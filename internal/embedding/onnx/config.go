package onnx

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the .onnx model file.
	ModelPath string
	// TokenizerPath is the tokenizer.json shipped with the model.
	TokenizerPath string
	// LibraryPath overrides the onnxruntime shared library location.
	LibraryPath string
	Model       string
	Dimension   int
}
