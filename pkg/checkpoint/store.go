// Package checkpoint persists resumable training state, one directory per job.
package checkpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/features"
	"modelforge/pkg/logger"

	"github.com/google/uuid"
)

const (
	sidecarName     = "checkpoint.json"
	currentBaseName = "model_current"
	bestBaseName    = "model_best"
)

// Checkpoint sidecar describing a saved training state
type Checkpoint struct {
	JobID                  uuid.UUID          `json:"jobId"`
	Attempt                int                `json:"attempt"`
	Epoch                  int                `json:"epoch"`
	BestValidationLoss     float64            `json:"bestValidationLoss"`
	EpochsSinceImprovement int                `json:"epochsSinceImprovement"`
	TrainingSeconds        float64            `json:"trainingSeconds"`
	CurrentLearningRate    float64            `json:"currentLearningRate"`
	ModelType              model.ModelType    `json:"modelType"`
	FeatureCount           int                `json:"featureCount"`
	FeatureNames           []string           `json:"featureNames"`
	HiddenLayerSizes       []int              `json:"hiddenLayerSizes,omitempty"`
	Normalization          features.NormStats `json:"normalization"`
	CreatedAt              time.Time          `json:"createdAt"`
	CurrentWeightsFile     string             `json:"currentWeightsFile"`
	BestWeightsFile        string             `json:"bestWeightsFile"`
}

// Which selects a weights file.
type Which int

const (
	Current Which = iota
	Best
)

// Mirror receives a copy of every saved file. Failures are logged only.
type Mirror interface {
	Upload(ctx context.Context, jobHex, name, path string) error
	RemoveJob(ctx context.Context, jobHex string) error
}

// Store file-system checkpoint store rooted at <base>/checkpoints
type Store struct {
	root   string
	ext    string
	mirror Mirror
}

// NewStore creates the checkpoints directory if needed.
func NewStore(baseDir, weightsExt string) (*Store, error) {
	root := filepath.Join(baseDir, "checkpoints")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint root: %w", err)
	}
	if weightsExt == "" {
		weightsExt = "bin"
	}
	return &Store{root: root, ext: weightsExt}, nil
}

// SetMirror attaches an object storage replica.
func (s *Store) SetMirror(m Mirror) {
	s.mirror = m
}

// JobHex is the directory name of a job: its UUID as 32 hex digits.
func JobHex(jobID uuid.UUID) string {
	return hex.EncodeToString(jobID[:])
}

// Dir returns the job's checkpoint directory.
func (s *Store) Dir(jobID uuid.UUID) string {
	return filepath.Join(s.root, JobHex(jobID))
}

func (s *Store) weightsName(which Which) string {
	if which == Best {
		return bestBaseName + "." + s.ext
	}
	return currentBaseName + "." + s.ext
}

// Save writes both weight files and then the sidecar, each through a temp
// file and rename. A nil best copies current. A failure before the renames
// leaves the previous checkpoint untouched.
func (s *Store) Save(ctx context.Context, cp *Checkpoint, current, best []byte) error {
	if cp == nil || len(current) == 0 {
		return fmt.Errorf("%w: checkpoint and current weights are required", model.ErrInvalidArgument)
	}
	if best == nil {
		best = current
	}
	dir := s.Dir(cp.JobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	cp.CurrentWeightsFile = s.weightsName(Current)
	cp.BestWeightsFile = s.weightsName(Best)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	sidecar, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{cp.CurrentWeightsFile, current},
		{cp.BestWeightsFile, best},
		{sidecarName, sidecar},
	}

	temps := make([]string, 0, len(files))
	defer func() {
		for _, tmp := range temps {
			_ = os.Remove(tmp)
		}
	}()
	for _, f := range files {
		tmp := filepath.Join(dir, f.name+".tmp")
		if err := writeSynced(tmp, f.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
		temps = append(temps, tmp)
	}
	// sidecar is renamed last so a visible sidecar always refers to complete weights
	for i, f := range files {
		if err := os.Rename(temps[i], filepath.Join(dir, f.name)); err != nil {
			return fmt.Errorf("failed to commit %s: %w", f.name, err)
		}
	}
	temps = temps[:0]

	if s.mirror != nil {
		jobHex := JobHex(cp.JobID)
		for _, f := range files {
			if err := s.mirror.Upload(ctx, jobHex, f.name, filepath.Join(dir, f.name)); err != nil {
				logger.WarnCtx(ctx, "checkpoint mirror upload failed, job: %s, file: %s, error: %v", cp.JobID, f.name, err)
			}
		}
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads the sidecar. It returns (nil, nil) when none exists and
// ErrCheckpointCorrupt when it cannot be parsed.
func (s *Store) Load(jobID uuid.UUID) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(jobID), sidecarName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", model.ErrCheckpointCorrupt, jobID, err)
	}
	if cp.JobID != jobID || cp.CurrentWeightsFile == "" {
		return nil, fmt.Errorf("%w: job %s: sidecar does not describe this job", model.ErrCheckpointCorrupt, jobID)
	}
	return &cp, nil
}

// LoadWeights reads one of the weight files.
func (s *Store) LoadWeights(jobID uuid.UUID, which Which) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(jobID), s.weightsName(which)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: weights for job %s", model.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty weights for job %s", model.ErrCheckpointCorrupt, jobID)
	}
	return data, nil
}

// Exists reports whether a parseable sidecar exists for the job.
func (s *Store) Exists(jobID uuid.UUID) bool {
	cp, err := s.Load(jobID)
	return err == nil && cp != nil
}

// Delete removes the job's directory. Missing directories are not an error.
func (s *Store) Delete(ctx context.Context, jobID uuid.UUID) error {
	if err := os.RemoveAll(s.Dir(jobID)); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.RemoveJob(ctx, JobHex(jobID)); err != nil {
			logger.WarnCtx(ctx, "checkpoint mirror delete failed, job: %s, error: %v", jobID, err)
		}
	}
	return nil
}

// CleanupStale removes directories of jobs not in keep. Entries that are
// not job directories are left alone.
func (s *Store) CleanupStale(ctx context.Context, keep []uuid.UUID) (int, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[JobHex(id)] = struct{}{}
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, err := hex.DecodeString(e.Name())
		if err != nil || len(raw) != 16 {
			continue
		}
		if _, ok := keepSet[e.Name()]; ok {
			continue
		}
		jobID, _ := uuid.FromBytes(raw)
		if err := s.Delete(ctx, jobID); err != nil {
			logger.WarnCtx(ctx, "failed to remove stale checkpoint %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}
