//go:build onnx

package main

import (
	"github.com/mnemod/mnemod/config"
	"github.com/mnemod/mnemod/memory"
	"github.com/mnemod/mnemod/memory/embedder/onnx"
)

func newONNXEmbedder(cfg *config.Config) (memory.Embedder, error) {
	return onnx.New(onnx.Config{
		LibraryPath:   cfg.ONNXLibraryPath,
		ModelPath:     cfg.ONNXModelPath,
		TokenizerPath: cfg.ONNXTokenizerPath,
		Dimensions:    cfg.EmbedderDims,
	})
}
