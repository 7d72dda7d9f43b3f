package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutePassesThroughSuccess(t *testing.T) {
	r := NewRegistry(DefaultSettings())
	err := r.Execute(context.Background(), "openai", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestExecuteTripsAfterConsecutiveFailures(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxConsecutiveFailures = 2
	settings.CooldownPeriod = 50 * time.Millisecond
	r := NewRegistry(settings)

	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }

	_ = r.Execute(context.Background(), "qdrant", fail)
	_ = r.Execute(context.Background(), "qdrant", fail)

	err := r.Execute(context.Background(), "qdrant", func(ctx context.Context) error {
		t.Fatal("fn must not run while breaker is open")
		return nil
	})
	require.Error(t, err)
}

func TestBreakersAreIndependentPerProvider(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxConsecutiveFailures = 1
	r := NewRegistry(settings)

	_ = r.Execute(context.Background(), "qdrant", func(ctx context.Context) error { return errors.New("x") })

	err := r.Execute(context.Background(), "bleve", func(ctx context.Context) error { return nil })
	require.NoError(t, err, "failure on one provider must not trip another provider's breaker")
}
