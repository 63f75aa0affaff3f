package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"modelforge/internal/model"
	"modelforge/pkg/features"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMirror struct {
	mu       sync.Mutex
	uploaded map[string][]string
	removed  []string
	fail     bool
}

func newMockMirror() *mockMirror {
	return &mockMirror{uploaded: make(map[string][]string)}
}

func (m *mockMirror) Upload(ctx context.Context, jobHex, name, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("bucket unavailable")
	}
	m.uploaded[jobHex] = append(m.uploaded[jobHex], name)
	return nil
}

func (m *mockMirror) RemoveJob(ctx context.Context, jobHex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, jobHex)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "bin")
	require.NoError(t, err)
	return s
}

func sampleCheckpoint(jobID uuid.UUID) *Checkpoint {
	return &Checkpoint{
		JobID:               jobID,
		Attempt:             1,
		Epoch:               20,
		BestValidationLoss:  0.0123,
		CurrentLearningRate: 0.01,
		ModelType:           model.ModelTypeMLP,
		FeatureCount:        3,
		FeatureNames:        features.FeatureNames(3),
		HiddenLayerSizes:    []int{8},
		Normalization:       features.NormStats{Means: []float64{0, 0, 0}, Stds: []float64{1, 1, 1}},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	assert.False(t, s.Exists(jobID))
	cp, err := s.Load(jobID)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.Save(ctx, sampleCheckpoint(jobID), []byte("current"), []byte("best")))
	assert.True(t, s.Exists(jobID))

	loaded, err := s.Load(jobID)
	require.NoError(t, err)
	assert.Equal(t, 20, loaded.Epoch)
	assert.Equal(t, []int{8}, loaded.HiddenLayerSizes)
	assert.Equal(t, "model_current.bin", loaded.CurrentWeightsFile)
	assert.False(t, loaded.CreatedAt.IsZero())

	cur, err := s.LoadWeights(jobID, Current)
	require.NoError(t, err)
	assert.Equal(t, "current", string(cur))
	best, err := s.LoadWeights(jobID, Best)
	require.NoError(t, err)
	assert.Equal(t, "best", string(best))

	assert.Equal(t, 32, len(filepath.Base(s.Dir(jobID))))
}

func TestStore_NilBestCopiesCurrent(t *testing.T) {
	s := newTestStore(t)
	jobID := uuid.New()
	require.NoError(t, s.Save(context.Background(), sampleCheckpoint(jobID), []byte("weights"), nil))

	best, err := s.LoadWeights(jobID, Best)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(best))
}

func TestStore_CorruptSidecar(t *testing.T) {
	s := newTestStore(t)
	jobID := uuid.New()
	require.NoError(t, os.MkdirAll(s.Dir(jobID), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(jobID), sidecarName), []byte("{not json"), 0644))

	_, err := s.Load(jobID)
	assert.True(t, errors.Is(err, model.ErrCheckpointCorrupt))
	assert.False(t, s.Exists(jobID))
}

func TestStore_SaveOverwritesAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	first := sampleCheckpoint(jobID)
	require.NoError(t, s.Save(ctx, first, []byte("v1"), nil))

	second := sampleCheckpoint(jobID)
	second.Epoch = 30
	require.NoError(t, s.Save(ctx, second, []byte("v2"), []byte("b2")))

	loaded, err := s.Load(jobID)
	require.NoError(t, err)
	assert.Equal(t, 30, loaded.Epoch)

	entries, err := os.ReadDir(s.Dir(jobID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStore_DeleteAndCleanupStale(t *testing.T) {
	s := newTestStore(t)
	mirror := newMockMirror()
	s.SetMirror(mirror)
	ctx := context.Background()

	keep, stale := uuid.New(), uuid.New()
	require.NoError(t, s.Save(ctx, sampleCheckpoint(keep), []byte("a"), nil))
	require.NoError(t, s.Save(ctx, sampleCheckpoint(stale), []byte("b"), nil))
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "not-a-job"), 0755))

	assert.Len(t, mirror.uploaded[JobHex(keep)], 3)

	removed, err := s.CleanupStale(ctx, []uuid.UUID{keep})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, s.Exists(keep))
	assert.False(t, s.Exists(stale))
	assert.DirExists(t, filepath.Join(s.root, "not-a-job"))
	assert.Equal(t, []string{JobHex(stale)}, mirror.removed)

	require.NoError(t, s.Delete(ctx, keep))
	assert.False(t, s.Exists(keep))
	require.NoError(t, s.Delete(ctx, keep), "deleting twice is not an error")
}

func TestStore_MirrorFailureDoesNotFailSave(t *testing.T) {
	s := newTestStore(t)
	mirror := newMockMirror()
	mirror.fail = true
	s.SetMirror(mirror)

	jobID := uuid.New()
	require.NoError(t, s.Save(context.Background(), sampleCheckpoint(jobID), []byte("a"), nil))
	assert.True(t, s.Exists(jobID))
}
