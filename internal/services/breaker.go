package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"ruleengine/internal/config"
	"ruleengine/pkg/circuitbreaker"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

// BreakerService guards a Service with one gobreaker per operation so an
// unhealthy database fails fast instead of tying up node invocations.
type BreakerService struct {
	inner      Service
	telemetry  *circuitbreaker.Wrapper
	attributes *circuitbreaker.Wrapper
	entities   *circuitbreaker.Wrapper
}

var _ Service = (*BreakerService)(nil)

// WrapWithCircuitBreaker returns inner unchanged when service breakers are disabled.
func WrapWithCircuitBreaker(inner Service, name string, cfg config.ServiceCircuitBreakerConfig) Service {
	if !cfg.Enabled {
		return inner
	}

	build := func(op string) *circuitbreaker.Wrapper {
		cbConfig := circuitbreaker.DefaultConfig(name + "." + op)
		if cfg.MaxRequests > 0 {
			cbConfig.MaxRequests = cfg.MaxRequests
		}
		if cfg.Interval > 0 {
			cbConfig.Interval = cfg.Interval
		}
		if cfg.Timeout > 0 {
			cbConfig.Timeout = cfg.Timeout
		}
		if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
			cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			}
		}
		cbConfig.IsSuccessful = func(err error) bool {
			return err == nil || !apperrors.IsTransient(err)
		}
		return circuitbreaker.NewWrapper(cbConfig)
	}

	return &BreakerService{
		inner:      inner,
		telemetry:  build("telemetry"),
		attributes: build("attributes"),
		entities:   build("entities"),
	}
}

func (s *BreakerService) SaveTelemetry(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, ts time.Time, values map[string]interface{}) error {
	_, err := s.telemetry.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, s.inner.SaveTelemetry(ctx, tenantID, entity, ts, values)
	})
	return breakerError(s.telemetry, err)
}

func (s *BreakerService) SaveAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, values map[string]interface{}) error {
	_, err := s.attributes.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, s.inner.SaveAttributes(ctx, tenantID, entity, scope, values)
	})
	return breakerError(s.attributes, err)
}

func (s *BreakerService) GetAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, keys []string) (map[string]interface{}, error) {
	result, err := s.attributes.ExecuteWithContext(ctx, func() (interface{}, error) {
		return s.inner.GetAttributes(ctx, tenantID, entity, scope, keys)
	})
	if err != nil {
		return nil, breakerError(s.attributes, err)
	}
	values, _ := result.(map[string]interface{})
	return values, nil
}

func (s *BreakerService) GetEntity(ctx context.Context, tenantID uuid.UUID, entity models.EntityID) (*Entity, error) {
	result, err := s.entities.ExecuteWithContext(ctx, func() (interface{}, error) {
		return s.inner.GetEntity(ctx, tenantID, entity)
	})
	if err != nil {
		return nil, breakerError(s.entities, err)
	}
	e, _ := result.(*Entity)
	return e, nil
}

// States reports the gobreaker state per operation.
func (s *BreakerService) States() map[string]string {
	return map[string]string{
		s.telemetry.Name():  s.telemetry.State().String(),
		s.attributes.Name(): s.attributes.State().String(),
		s.entities.Name():   s.entities.State().String(),
	}
}

func breakerError(w *circuitbreaker.Wrapper, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.ErrTransient.WithMessage("service " + w.Name() + " is unavailable").WithCause(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(err)
	}
	return err
}
