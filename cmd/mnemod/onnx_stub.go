//go:build !onnx

package main

import (
	"fmt"

	"github.com/mnemod/mnemod/config"
	"github.com/mnemod/mnemod/memory"
)

func newONNXEmbedder(cfg *config.Config) (memory.Embedder, error) {
	return nil, fmt.Errorf("this build has no ONNX support; rebuild with -tags onnx")
}
