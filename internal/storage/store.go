package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gocarina/gocsv"
)

const (
	metadataFile = "metadata.json"
	stepsFile    = "steps.csv"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID          string             `json:"id"`
	Layout      string             `json:"layout"`
	Timestamp   time.Time          `json:"timestamp"`
	Seed        int64              `json:"seed"`
	Dt          float64            `json:"dt"`
	Steps       int                `json:"steps"`
	Particles   int                `json:"particles"`
	CellSize    float64            `json:"cell_size"`
	Device      string             `json:"device"`
	Compaction  string             `json:"compaction"`
	KeyEncoding string             `json:"key_encoding"`
	Metrics     map[string]float64 `json:"metrics"`
	// PhaseAvgUS is the mean time per rebuild phase in microseconds.
	PhaseAvgUS map[string]int64 `json:"phase_avg_us,omitempty"`
}

// StepRecord is one row of steps.csv.
type StepRecord struct {
	Step         int     `csv:"step"`
	Time         float64 `csv:"time"`
	Particles    int     `csv:"particles"`
	ActiveCells  int     `csv:"active_cells"`
	MaxOccupancy int     `csv:"max_occupancy"`
	RebuildUS    int64   `csv:"rebuild_us"`
	Checksum     string  `csv:"checksum"`
}

// Save writes a run directory holding meta and steps and returns the run ID.
func (s *Store) Save(meta RunMetadata, steps []StepRecord) (string, error) {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	if meta.ID == "" {
		meta.ID = fmt.Sprintf("%s_%s_%d", meta.Layout, meta.Compaction, meta.Timestamp.UnixNano())
	}
	runDir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	metaFile, err := os.Create(filepath.Join(runDir, metadataFile))
	if err != nil {
		return "", err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	csvFile, err := os.Create(filepath.Join(runDir, stepsFile))
	if err != nil {
		return "", err
	}
	defer csvFile.Close()

	if steps == nil {
		steps = []StepRecord{}
	}
	if err := gocsv.MarshalFile(&steps, csvFile); err != nil {
		return "", fmt.Errorf("writing %s: %w", stepsFile, err)
	}
	return meta.ID, nil
}

// List returns every readable run, oldest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, metadataFile))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) LoadSteps(runID string) ([]StepRecord, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, stepsFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	steps := []StepRecord{}
	if err := gocsv.UnmarshalFile(file, &steps); err != nil {
		if err == gocsv.ErrEmptyCSVFile {
			return steps, nil
		}
		return nil, fmt.Errorf("reading %s: %w", stepsFile, err)
	}
	return steps, nil
}
