package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/witnz/replisync/internal/storage"
)

const NumFeatures = 6

type Features [NumFeatures]float64

// ExtractFeatures scales every input with log1p so that large magnitudes
// (bandwidth in bytes, data size) do not swamp the others. Negative inputs
// are clamped to zero.
func ExtractFeatures(nc NetworkConditions, wl Workload) Features {
	raw := [NumFeatures]float64{
		nc.LatencyMs,
		nc.Bandwidth,
		nc.PacketLoss,
		wl.OpsPerSecond,
		wl.ConflictRate,
		wl.DataSize,
	}
	var f Features
	for i, v := range raw {
		if v < 0 || math.IsNaN(v) {
			v = 0
		}
		f[i] = math.Log1p(v)
	}
	return f
}

// Model is a linear softmax policy over the four strategies.
type Model struct {
	Weights [NumFeatures][numStrategies]float64 `json:"weights"`
	Bias    [numStrategies]float64              `json:"bias"`
	Updates uint64                              `json:"updates"`
}

func (m *Model) logits(f Features) [numStrategies]float64 {
	var z [numStrategies]float64
	for k := 0; k < numStrategies; k++ {
		z[k] = m.Bias[k]
		for i := 0; i < NumFeatures; i++ {
			z[k] += f[i] * m.Weights[i][k]
		}
	}
	return z
}

// Probabilities is a numerically stable softmax of the logits.
func (m *Model) Probabilities(f Features) [numStrategies]float64 {
	z := m.logits(f)

	maxZ := z[0]
	for _, v := range z[1:] {
		maxZ = math.Max(maxZ, v)
	}

	var p [numStrategies]float64
	sum := 0.0
	for k, v := range z {
		p[k] = math.Exp(v - maxZ)
		sum += p[k]
	}
	for k := range p {
		p[k] /= sum
	}
	return p
}

// Sample is one observed round outcome.
type Sample struct {
	Features Features `json:"features"`
	Strategy Strategy `json:"strategy"`
	Reward   float64  `json:"reward"`
}

type Config struct {
	LearningRate float64
	// BatchSize is the number of buffered samples that triggers training.
	BatchSize int
	Seed      uint64
	InitScale float64
	Logger    *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		LearningRate: 0.05,
		BatchSize:    100,
		Seed:         1,
		InitScale:    0.01,
	}
}

// Selector picks a strategy from the current model. Readers load the model
// through an atomic pointer and never block; training builds a new model
// and swaps it in.
type Selector struct {
	cfg    Config
	model  atomic.Pointer[Model]
	logger *slog.Logger

	mu     sync.Mutex
	buffer []Sample
}

func NewSelector(cfg Config) *Selector {
	defaults := DefaultConfig()
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = defaults.LearningRate
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.InitScale <= 0 {
		cfg.InitScale = defaults.InitScale
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Selector{cfg: cfg, logger: cfg.Logger}
	s.model.Store(initialModel(cfg.Seed, cfg.InitScale))
	return s
}

func initialModel(seed uint64, scale float64) *Model {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	m := &Model{}
	for i := range m.Weights {
		for k := range m.Weights[i] {
			m.Weights[i][k] = (rng.Float64()*2 - 1) * scale
		}
	}
	return m
}

// GetOptimalStrategy returns the most probable strategy; ties go to the
// lowest-numbered one.
func (s *Selector) GetOptimalStrategy(nc NetworkConditions, wl Workload) Strategy {
	return s.Select(ExtractFeatures(nc, wl))
}

func (s *Selector) Select(f Features) Strategy {
	p := s.model.Load().Probabilities(f)
	best := 0
	for k := 1; k < numStrategies; k++ {
		if p[k] > p[best] {
			best = k
		}
	}
	return Strategy(best)
}

func (s *Selector) Probabilities(nc NetworkConditions, wl Workload) [numStrategies]float64 {
	return s.model.Load().Probabilities(ExtractFeatures(nc, wl))
}

// Train applies one policy-gradient step per sample: each weight moves by
// learning_rate * reward * d log pi(strategy) / d weight.
func (s *Selector) Train(samples []Sample) {
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainLocked(samples)
}

func (s *Selector) trainLocked(samples []Sample) {
	next := *s.model.Load()
	lr := s.cfg.LearningRate

	for _, sample := range samples {
		if !sample.Strategy.Valid() || math.IsNaN(sample.Reward) || math.IsInf(sample.Reward, 0) {
			continue
		}

		p := next.Probabilities(sample.Features)
		for k := 0; k < numStrategies; k++ {
			indicator := 0.0
			if Strategy(k) == sample.Strategy {
				indicator = 1.0
			}
			grad := sample.Reward * (indicator - p[k])
			for i := 0; i < NumFeatures; i++ {
				next.Weights[i][k] += lr * grad * sample.Features[i]
			}
			next.Bias[k] += lr * grad
		}
		next.Updates++
	}

	s.model.Store(&next)
}

// Record buffers a sample and trains on the buffer once it exceeds the
// batch size. It reports whether training ran.
func (s *Selector) Record(sample Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, sample)
	if len(s.buffer) <= s.cfg.BatchSize {
		return false
	}

	batch := s.buffer
	s.buffer = nil
	s.trainLocked(batch)

	s.logger.Debug("Strategy model trained", "samples", len(batch), "updates", s.model.Load().Updates)
	return true
}

func (s *Selector) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Model returns a copy of the current model.
func (s *Selector) Model() Model {
	return *s.model.Load()
}

func (s *Selector) SetModel(m Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.Store(&m)
}

// ModelStore persists the model. *storage.Storage satisfies it.
type ModelStore interface {
	SetMetadataBytes(key string, value []byte) error
	GetMetadataBytes(key string) ([]byte, error)
}

func (s *Selector) SaveModel(store ModelStore) error {
	data, err := json.Marshal(s.Model())
	if err != nil {
		return fmt.Errorf("failed to marshal strategy model: %w", err)
	}
	if err := store.SetMetadataBytes(storage.StrategyModelKey, data); err != nil {
		return fmt.Errorf("failed to save strategy model: %w", err)
	}
	return nil
}

// LoadModel restores a saved model. It returns false when none was saved.
func (s *Selector) LoadModel(store ModelStore) (bool, error) {
	data, err := store.GetMetadataBytes(storage.StrategyModelKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load strategy model: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return false, fmt.Errorf("failed to decode strategy model: %w", err)
	}
	s.SetModel(m)
	return true, nil
}
