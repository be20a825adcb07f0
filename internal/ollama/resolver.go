// Package ollama resolves short model names like "llama3:8b" to the GGUF
// blob an Ollama install keeps on disk, so run can take either a path or
// a pulled model name.
package ollama

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	// DefaultTag is assumed when the model name carries no tag.
	DefaultTag = "latest"

	// MediaTypeModel marks the manifest layer holding the GGUF payload.
	MediaTypeModel = "application/vnd.ollama.image.model"

	defaultRegistry = "registry.ollama.ai"
	defaultLibrary  = "library"
)

// Manifest is the subset of the Ollama image manifest the resolver needs.
type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// ModelsDir returns the Ollama model store root, honoring OLLAMA_MODELS.
func ModelsDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ResolveModelPath maps a model name to its blob path under the store
// root. Names without a registry resolve under registry.ollama.ai/library.
func ResolveModelPath(modelName string) (string, error) {
	baseDir, err := ModelsDir()
	if err != nil {
		return "", err
	}
	return resolveIn(baseDir, modelName)
}

func resolveIn(baseDir, modelName string) (string, error) {
	name, tag := splitNameTag(modelName)

	manifestPath := filepath.Join(baseDir, "manifests", defaultRegistry, defaultLibrary, name, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("ollama: manifest for %s: %w", modelName, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("ollama: parse manifest %s: %w", manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("ollama: manifest %s has no model layer", manifestPath)
	}

	// Blobs are stored as sha256-<hash>, manifests reference sha256:<hash>.
	blobPath := filepath.Join(baseDir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("ollama: blob for %s: %w", modelName, err)
	}
	return blobPath, nil
}

func splitNameTag(modelName string) (name, tag string) {
	if i := strings.IndexByte(modelName, ':'); i >= 0 {
		return modelName[:i], modelName[i+1:]
	}
	return modelName, DefaultTag
}
