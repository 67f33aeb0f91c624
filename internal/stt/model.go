package stt

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Model describes the ggml model file validated at startup. It is never
// mutated afterwards.
type Model struct {
	Path   string
	Name   string
	SizeMB int64
	Loaded bool
}

// LoadModel validates that filename exists under dir. On failure the
// returned Model has Loaded=false and the service runs degraded.
func LoadModel(dir, filename string) (Model, error) {
	path := filepath.Join(dir, filename)
	info, err := os.Stat(path)
	if err != nil {
		return Model{}, fmt.Errorf("model not found: %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Model{}, fmt.Errorf("model not found: %s is not a regular file", path)
	}
	return Model{
		Path:   path,
		Name:   displayName(filename),
		SizeMB: int64(math.Round(float64(info.Size()) / (1024 * 1024))),
		Loaded: true,
	}, nil
}

func displayName(filename string) string {
	name := strings.ReplaceAll(filename, "ggml-", "")
	return strings.ReplaceAll(name, ".bin", "")
}
