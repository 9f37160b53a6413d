package registration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Request is a registration job received over MQTT or HTTP. Zero Delta or
// Overlap use the configured values.
type Request struct {
	ID      string       `json:"id"`
	Model   [][3]float64 `json:"model"`
	Target  [][3]float64 `json:"target"`
	Delta   float64      `json:"delta,omitempty"`
	Overlap float64      `json:"overlap,omitempty"`
	Seed    *int64       `json:"seed,omitempty"`
}

// Registrar runs requests through the engine one at a time and records
// each outcome in the store.
type Registrar struct {
	Config  Config
	ICP     ICPConfig
	Store   *ResultStore
	Timeout time.Duration
	Logger  *zap.Logger

	mu sync.Mutex
}

// NewRegistrar creates a registrar from the service configuration
func NewRegistrar(cfg *ServiceConfig, store *ResultStore, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		Config:  cfg.Registration,
		ICP:     cfg.ICP,
		Store:   store,
		Timeout: time.Duration(cfg.MQTT.TimeoutSec) * time.Second,
		Logger:  logger,
	}
}

// Handle registers req.Target onto req.Model. The result is returned (and
// stored) for failed registrations too; err is non-nil in that case.
func (g *Registrar) Handle(ctx context.Context, req Request) (*Result, error) {
	cfg := g.Config
	if req.Delta != 0 {
		cfg.Delta = req.Delta
	}
	if req.Overlap != 0 {
		cfg.Overlap = req.Overlap
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid request: %v", ErrInsufficientData, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// The timeout covers the run only, not the wait for earlier requests.
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	engine := NewEngine(cfg, g.Logger.With(zap.String("request", req.ID)))
	engine.Refiner = NewPointToPointICP(g.ICP)
	result, err := engine.Compute(ctx, CloudFromArray(req.Model), CloudFromArray(req.Target))
	if result != nil {
		if req.ID != "" {
			result.ID = req.ID
		}
		if g.Store != nil {
			g.Store.Put(result)
			if serr := g.Store.Save(); serr != nil {
				g.Logger.Warn("saving result store", zap.Error(serr))
			}
		}
	}
	return result, err
}
