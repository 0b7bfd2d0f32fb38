package scoring

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/iqa-scorer/internal/samples"
)

// ScoredRecord is one output row.
type ScoredRecord struct {
	ImageID   string  `json:"image_id"`
	Technical float64 `json:"technical"`
	Aesthetic float64 `json:"aesthetic"`
}

// Scores holds both head scores for a single image.
type Scores struct {
	Technical float64 `json:"technical"`
	Aesthetic float64 `json:"aesthetic"`
}

// Assemble zips samples with the two score lists by position.
func Assemble(list []samples.Sample, technical, aesthetic []float64) ([]ScoredRecord, error) {
	if len(technical) != len(list) || len(aesthetic) != len(list) {
		return nil, fmt.Errorf("%w: %d samples, %d technical scores, %d aesthetic scores",
			ErrLengthMismatch, len(list), len(technical), len(aesthetic))
	}

	records := make([]ScoredRecord, len(list))
	for i, s := range list {
		records[i] = ScoredRecord{
			ImageID:   s.ImageID,
			Technical: technical[i],
			Aesthetic: aesthetic[i],
		}
	}
	return records, nil
}

// WriteJSON writes records as an indented JSON array.
func WriteJSON(w io.Writer, records []ScoredRecord) error {
	if records == nil {
		records = []ScoredRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal predictions: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write predictions: %w", err)
	}
	return nil
}

// SaveJSON writes records to path, creating its directory if needed.
func SaveJSON(path string, records []ScoredRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create predictions directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create predictions file: %w", err)
	}
	if err := WriteJSON(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
