package storage

import (
	"encoding/json"
	"io"
	"os"
)

// ExportData is a self-contained JSON view of one run.
type ExportData struct {
	Metadata RunMetadata  `json:"metadata"`
	Steps    []StepRecord `json:"steps"`
}

// Export writes run runID as JSON to path, or to stdout when path is "-".
func (s *Store) Export(runID, path string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}
	steps, err := s.LoadSteps(runID)
	if err != nil {
		return err
	}
	data := ExportData{Metadata: *meta, Steps: steps}

	if path == "-" {
		return writeJSON(os.Stdout, data)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return writeJSON(file, data)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
