package training

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/features"
	"modelforge/pkg/trainer"

	"github.com/google/uuid"
)

// fakeJobStore in-memory jobStore that records every status a job passes
// through and every persisted progress write
type fakeJobStore struct {
	mu             sync.RWMutex
	items          map[uuid.UUID]*model.Job
	history        map[uuid.UUID][]model.JobStatus
	progressWrites map[uuid.UUID]int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		items:          make(map[uuid.UUID]*model.Job),
		history:        make(map[uuid.UUID][]model.JobStatus),
		progressWrites: make(map[uuid.UUID]int),
	}
}

func (s *fakeJobStore) Create(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *job
	s.items[job.ID] = &c
	s.history[job.ID] = append(s.history[job.ID], job.Status)
	return nil
}

func (s *fakeJobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	c := *j
	return &c, nil
}

func (s *fakeJobStore) List(ctx context.Context, status *model.JobStatus, limit, offset int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Job, 0, len(s.items))
	for _, j := range s.items {
		if status != nil && j.Status != *status {
			continue
		}
		c := *j
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeJobStore) ListByStatuses(ctx context.Context, statuses []model.JobStatus) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Job
	for _, j := range s.items {
		if containsStatus(statuses, j.Status) {
			c := *j
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeJobStore) Update(ctx context.Context, id uuid.UUID, upd *model.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.items[id]
	if !ok {
		return model.ErrNotFound
	}
	s.applyLocked(j, upd)
	return nil
}

func (s *fakeJobStore) UpdateIfStatus(ctx context.Context, id uuid.UUID, expected []model.JobStatus, upd *model.JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.items[id]
	if !ok || !containsStatus(expected, j.Status) {
		return false, nil
	}
	s.applyLocked(j, upd)
	if upd.Status == nil && upd.CurrentEpoch != nil && upd.TrainLoss != nil {
		s.progressWrites[id]++
	}
	return true, nil
}

func (s *fakeJobStore) applyLocked(j *model.Job, upd *model.JobUpdate) {
	before := j.Status
	upd.Apply(j)
	j.UpdatedAt = time.Now().UTC()
	if j.Status != before {
		s.history[j.ID] = append(s.history[j.ID], j.Status)
	}
}

// put stores a job as-is, bypassing the history of how it got there
func (s *fakeJobStore) put(j *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *j
	s.items[j.ID] = &c
	s.history[j.ID] = append(s.history[j.ID], j.Status)
}

func (s *fakeJobStore) statuses(id uuid.UUID) []model.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.JobStatus(nil), s.history[id]...)
}

func (s *fakeJobStore) writes(id uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progressWrites[id]
}

func containsStatus(list []model.JobStatus, s model.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fakeConfigs struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*model.Configuration
}

func newFakeConfigs() *fakeConfigs {
	return &fakeConfigs{items: make(map[uuid.UUID]*model.Configuration)}
}

func (s *fakeConfigs) Get(ctx context.Context, id uuid.UUID) (*model.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("configuration %s: %w", id, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeConfigs) put(c *model.Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.items[c.ID] = &cp
}

// fakeData DataProvider over in-memory datasets and candles
type fakeData struct {
	mu       sync.RWMutex
	datasets map[uuid.UUID]*model.Dataset
	candles  map[uuid.UUID][]model.Candle
}

func newFakeData() *fakeData {
	return &fakeData{
		datasets: make(map[uuid.UUID]*model.Dataset),
		candles:  make(map[uuid.UUID][]model.Candle),
	}
}

func (d *fakeData) Get(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ds, ok := d.datasets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", id, model.ErrNotFound)
	}
	c := *ds
	return &c, nil
}

func (d *fakeData) LoadCandles(ctx context.Context, id uuid.UUID) ([]model.Candle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.candles[id], nil
}

func (d *fakeData) add(status model.DatasetStatus, candles []model.Candle) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	d.datasets[id] = &model.Dataset{
		ID: id, Exchange: "binance", Symbol: "BTCUSDT", Interval: "1h",
		Status: status, RecordCount: int64(len(candles)),
	}
	d.candles[id] = candles
	return id
}

func (d *fakeData) setStatus(id uuid.UUID, status model.DatasetStatus, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.datasets[id].Status = status
	d.datasets[id].ErrorMessage = msg
}

// fakeAdmission single queue with a counting semaphore
type fakeAdmission struct {
	queue *model.Queue
	sem   chan struct{}

	mu      sync.Mutex
	held    map[uuid.UUID]bool
	maxHeld int
}

func newFakeAdmission(maxJobs int) *fakeAdmission {
	return &fakeAdmission{
		queue: &model.Queue{ID: uuid.New(), Name: "default", MaxConcurrentJobs: maxJobs, IsDefault: true},
		sem:   make(chan struct{}, maxJobs),
		held:  make(map[uuid.UUID]bool),
	}
}

func (a *fakeAdmission) ResolveQueue(id *uuid.UUID) (*model.Queue, error) {
	if id != nil && *id != a.queue.ID {
		return nil, fmt.Errorf("queue %s: %w", *id, model.ErrNotFound)
	}
	q := *a.queue
	return &q, nil
}

func (a *fakeAdmission) QueueAcquire(ctx context.Context, id, jobID uuid.UUID) error {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held[jobID] = true
	a.maxHeld = max(a.maxHeld, len(a.held))
	return nil
}

func (a *fakeAdmission) QueueRelease(id, jobID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held[jobID] {
		delete(a.held, jobID)
		<-a.sem
	}
}

func (a *fakeAdmission) heldCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func (a *fakeAdmission) peak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxHeld
}

// stubTrainer predicts a constant and reports a strictly falling loss.
// onEpoch runs inside TrainEpoch and may block on ctx.
type stubTrainer struct {
	prediction float64
	// plateauAt > 0 freezes the loss after that epoch
	plateauAt  int
	onEpoch    func(ctx context.Context, epoch int) error

	mu       sync.Mutex
	lrs      []float64
	shuffles []bool
}

type stubWeights struct {
	Epoch      int     `json:"epoch"`
	Prediction float64 `json:"prediction"`
}

func (t *stubTrainer) NewSession(spec trainer.ModelSpec, featureCount int, hp trainer.Hyperparameters, seed int64) (trainer.Session, error) {
	t.mu.Lock()
	t.lrs = append(t.lrs, hp.LearningRate)
	t.shuffles = append(t.shuffles, hp.Shuffle)
	t.mu.Unlock()
	return &stubSession{t: t, lr: hp.LearningRate}, nil
}

func (t *stubTrainer) RestoreSession(spec trainer.ModelSpec, weights []byte, hp trainer.Hyperparameters, seed int64) (trainer.Session, error) {
	var w stubWeights
	if err := json.Unmarshal(weights, &w); err != nil {
		return nil, err
	}
	return &stubSession{t: t, lr: hp.LearningRate, epoch: w.Epoch}, nil
}

func (t *stubTrainer) Load(spec trainer.ModelSpec, weights []byte) (trainer.Model, error) {
	var w stubWeights
	if err := json.Unmarshal(weights, &w); err != nil {
		return nil, err
	}
	return &stubModel{w: w}, nil
}

func (t *stubTrainer) learningRates() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]float64(nil), t.lrs...)
}

func (t *stubTrainer) shuffleFlags() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.shuffles...)
}

type stubSession struct {
	t     *stubTrainer
	lr    float64
	epoch int
}

func (s *stubSession) TrainEpoch(ctx context.Context, train, validation []features.Sample) (trainer.EpochStats, error) {
	if err := ctx.Err(); err != nil {
		return trainer.EpochStats{}, err
	}
	s.epoch++
	if s.t.onEpoch != nil {
		if err := s.t.onEpoch(ctx, s.epoch); err != nil {
			return trainer.EpochStats{}, err
		}
	}
	loss := 1 / float64(s.epoch+1)
	if s.t.plateauAt > 0 && s.epoch > s.t.plateauAt {
		loss = 1 / float64(s.t.plateauAt+1)
	}
	return trainer.EpochStats{TrainLoss: loss, ValidationLoss: loss}, nil
}

func (s *stubSession) Snapshot() trainer.Model {
	return &stubModel{w: stubWeights{Epoch: s.epoch, Prediction: s.t.prediction}}
}

func (s *stubSession) LearningRate() float64 { return s.lr }
func (s *stubSession) Close()                {}

type stubModel struct {
	w stubWeights
}

func (m *stubModel) Predict(x []float64) float64 { return m.w.Prediction }

func (m *stubModel) PredictBatch(xs [][]float64) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		out[i] = m.w.Prediction
	}
	return out
}

func (m *stubModel) MarshalWeights() ([]byte, error) { return json.Marshal(m.w) }
func (m *stubModel) Close()                          {}

// recorder ProgressPublisher that keeps every message
type recorder struct {
	mu   sync.Mutex
	msgs []model.JobProgress
}

func (r *recorder) Publish(ctx context.Context, p model.JobProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, p)
}

func (r *recorder) epochs(jobID uuid.UUID) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, p := range r.msgs {
		if p.JobID == jobID && p.Status == model.JobStatusTraining {
			out = append(out, p.Epoch)
		}
	}
	return out
}

func (r *recorder) published(jobID uuid.UUID, st model.JobStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.msgs {
		if p.JobID == jobID && p.Status == st {
			return true
		}
	}
	return false
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// risingCandles hourly closes 100, 100.1, 100.2, ...
func risingCandles(n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		price := 100 + 0.1*float64(i)
		out[i] = model.Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Hour),
			Open:     price, High: price, Low: price, Close: price, Volume: 1,
		}
	}
	return out
}

// risingSamples samples whose target is their index
func risingSamples(n int) []features.Sample {
	out := make([]features.Sample, n)
	for i := range out {
		out[i] = features.Sample{Features: []float64{float64(i)}, Target: float64(i)}
	}
	return out
}
