package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/cache"
	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/telemetry"
)

// Service is the collaborator-facing surface: submit, status reads, list,
// and cancellation. Submission never blocks on execution; it is one store
// insert.
type Service struct {
	store    storage.CommandStore
	cache    cache.Cache // nil = no status caching
	cacheTTL time.Duration
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	defaultMaxAttempts int
}

// NewService creates a Service. cache may be nil to disable read caching
// of terminal records.
func NewService(store storage.CommandStore, c cache.Cache, cacheTTL time.Duration, metrics *telemetry.Metrics, defaultMaxAttempts int) *Service {
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 3
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{
		store:              store,
		cache:              c,
		cacheTTL:           cacheTTL,
		metrics:            metrics,
		tracer:             telemetry.Tracer("courier/engine"),
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// SubmitRequest describes a new command.
type SubmitRequest struct {
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"` // 0 = default
	Timeout     time.Duration   `json:"-"`                      // 0 = engine default
}

// Submit inserts a command in status new and returns it immediately.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*courier.Command, error) {
	if req.Namespace == "" || req.Name == "" {
		return nil, fmt.Errorf("namespace and name are required: %w", courier.ErrBadRequest)
	}
	if req.MaxAttempts < 0 {
		return nil, fmt.Errorf("max_attempts must be >= 1: %w", courier.ErrBadRequest)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.defaultMaxAttempts
	}

	ctx, span := s.tracer.Start(ctx, "command.submit", trace.WithAttributes(
		attribute.String("command.namespace", req.Namespace),
		attribute.String("command.name", req.Name),
	))
	defer span.End()

	now := time.Now().UTC()
	cmd := &courier.Command{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Namespace:   req.Namespace,
		Name:        req.Name,
		Status:      courier.StatusNew,
		Input:       req.Input,
		MaxAttempts: maxAttempts,
		Timeout:     req.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("insert command: %w", err)
	}

	s.metrics.CommandsSubmitted.Inc()
	slog.Info("command submitted", "id", cmd.ID, "command", cmd.Key())
	return cmd, nil
}

// Get returns the current command record. Terminal records are served
// from cache when available; they are immutable once written, so the
// read is still consistent with the latest completed CAS.
func (s *Service) Get(ctx context.Context, id string) (*courier.Command, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(ctx, cacheKey(id)); ok {
			var cmd courier.Command
			if err := json.Unmarshal(data, &cmd); err == nil {
				s.metrics.CacheHits.Inc()
				return &cmd, nil
			}
		}
		s.metrics.CacheMisses.Inc()
	}

	cmd, err := s.store.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && cmd.Status.Terminal() {
		if data, err := json.Marshal(cmd); err == nil {
			s.cache.Set(ctx, cacheKey(id), data, s.cacheTTL)
		}
	}
	return cmd, nil
}

// List returns commands matching the filter.
func (s *Service) List(ctx context.Context, f storage.Filter) ([]*courier.Command, error) {
	return s.store.ListCommands(ctx, f)
}

// Cancel moves a command to cancelled. A new command is cancelled before
// any worker claims it; a running command keeps executing until its next
// heartbeat fails, at which point the dispatcher cancels the handler and
// the claimed_by guard discards its late result. Terminal commands return
// ErrConflict.
func (s *Service) Cancel(ctx context.Context, id string) error {
	clearClaim := storage.Update{
		ClaimedBy:   storage.Ptr(""),
		HeartbeatAt: &time.Time{},
	}

	ok, err := s.store.CompareAndSwapStatus(ctx, id,
		storage.Guard{Status: courier.StatusNew}, courier.StatusCancelled, clearClaim)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if !ok {
		ok, err = s.store.CompareAndSwapStatus(ctx, id,
			storage.Guard{Status: courier.StatusRunning}, courier.StatusCancelled, clearClaim)
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
	}
	if !ok {
		if _, err := s.store.GetCommand(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("command already terminal: %w", courier.ErrConflict)
	}

	slog.Info("command cancelled", "id", id)
	return nil
}

func cacheKey(id string) string { return "cmd:" + id }
