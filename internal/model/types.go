package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// MetadataFile is the optional metadata file name inside the weights directory.
const MetadataFile = "model_metadata.json"

// Metadata describes the exported networks. Empty tensor names are resolved
// from the ONNX file itself.
type Metadata struct {
	InputName  string `json:"input_name"`
	OutputName string `json:"output_name"`
	ImageSize  int    `json:"image_size"`
	Buckets    int    `json:"buckets"`
}

// DefaultMetadata returns metadata matching the MobileNet NIMA exports.
func DefaultMetadata() Metadata {
	return Metadata{ImageSize: ImageSize, Buckets: Buckets}
}

// LoadMetadata reads metadataPath. A missing file yields DefaultMetadata.
func LoadMetadata(metadataPath string) (Metadata, error) {
	meta := DefaultMetadata()

	metaFile, err := os.ReadFile(metadataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	if err := json.Unmarshal(metaFile, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Validate checks that the metadata matches the fixed input/output contract.
func (m Metadata) Validate() error {
	if m.ImageSize != ImageSize {
		return fmt.Errorf("metadata image_size must be %d, got %d", ImageSize, m.ImageSize)
	}
	if m.Buckets != Buckets {
		return fmt.Errorf("metadata buckets must be %d, got %d", Buckets, m.Buckets)
	}
	return nil
}
