package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Brownie44l1/image-classifier/internal/artifact"
)

// Load restores the checkpoint called name from store. The metadata file
// <name>.json decides which runtime serves it.
func Load(store artifact.Store, name string) (Classifier, error) {
	metaFile, err := store.Read(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(metadata.Classes) == 0 {
		return nil, fmt.Errorf("metadata for %s lists no classes", name)
	}
	if metadata.ImageSize <= 0 {
		return nil, fmt.Errorf("metadata for %s has invalid image size %d", name, metadata.ImageSize)
	}

	switch metadata.Format {
	case FormatLinear:
		if metadata.ModelFile == "" {
			metadata.ModelFile = name + ".bin"
		}
		data, err := store.Read(metadata.ModelFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read weights: %w", err)
		}
		return ReadLinear(bytes.NewReader(data), metadata)
	case FormatONNX, "":
		metadata.Format = FormatONNX
		metadata, err = onnxMetadata(metadata)
		if err != nil {
			return nil, fmt.Errorf("invalid metadata for %s: %w", name, err)
		}
		if metadata.ModelFile == "" {
			metadata.ModelFile = name + ".onnx"
		}
		modelPath, err := store.Fetch(metadata.ModelFile)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch model: %w", err)
		}
		return NewServer(modelPath, metadata)
	default:
		return nil, fmt.Errorf("unknown checkpoint format %q", metadata.Format)
	}
}

// SaveLinear writes the weights and metadata of l as checkpoint name.
func SaveLinear(store artifact.Store, name string, l *Linear) error {
	var buf bytes.Buffer
	if _, err := l.WriteTo(&buf); err != nil {
		return err
	}
	metadata := l.Metadata()
	metadata.ModelFile = name + ".bin"
	if err := store.Write(metadata.ModelFile, buf.Bytes()); err != nil {
		return err
	}

	metaFile, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return store.Write(name+".json", metaFile)
}
