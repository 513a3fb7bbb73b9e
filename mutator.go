package tempo

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is how an optimistic mutation ended.
type Outcome int

const (
	// OutcomeCommitted: the remote write succeeded and the server result
	// replaced the optimistic value.
	OutcomeCommitted Outcome = iota
	// OutcomeSuperseded: the remote write succeeded but a later state had
	// already replaced the optimistic target. Not an error.
	OutcomeSuperseded
	// OutcomeRolledBack: the remote write failed and the optimistic change
	// was removed.
	OutcomeRolledBack
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// Mutation describes one optimistic write against a key.
type Mutation struct {
	// Optimistic is applied immediately and stays visible until the remote
	// write settles. Nil skips the optimistic step.
	Optimistic Updater
	// Remote performs the write and returns the authoritative result.
	Remote func(ctx context.Context) (any, error)
	// Settle reconciles the committed value with Remote's result. Nil keeps
	// the optimistic value as final.
	Settle Settler
	// Revalidate refetches the key after a successful commit.
	Revalidate bool
}

// ============================================================================
// Mutator
// ============================================================================

// Mutator runs the apply, commit or rollback protocol. Each mutation is an
// independent patch on its key, so a failing mutation removes only its own
// change.
type Mutator struct {
	store       *Store
	revalidator *Revalidator
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewMutator creates a mutator over store. rv may be nil when no mutation
// asks for revalidation.
func NewMutator(store *Store, rv *Revalidator, tp trace.TracerProvider) *Mutator {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Mutator{
		store:       store,
		revalidator: rv,
		logger:      store.logger,
		tracer:      tp.Tracer(instrumentationName),
	}
}

// Mutate applies m to key. A failed remote write is returned as a
// *MutationError after the optimistic change has been removed.
func (m *Mutator) Mutate(ctx context.Context, key Key, mut Mutation) (Outcome, error) {
	if mut.Remote == nil {
		return OutcomeRolledBack, validationErrorf("mutation on %s has no remote write", key)
	}

	ctx, span := m.tracer.Start(ctx, "tempo.mutate",
		trace.WithAttributes(attribute.String("tempo.key", key.String())))
	defer span.End()

	var patchID uint64
	if mut.Optimistic != nil {
		patchID = m.store.applyPatch(key, mut.Optimistic)
	}

	result, err := mut.Remote(ctx)
	if err != nil {
		if patchID != 0 {
			m.store.dropPatch(key, patchID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("tempo.outcome", OutcomeRolledBack.String()))
		m.logger.Debug("mutation rolled back", "key", key.String(), "error", err)
		return OutcomeRolledBack, &MutationError{Key: key, Err: err}
	}

	outcome := OutcomeCommitted
	if !m.store.settlePatch(key, patchID, mut.Settle, result) {
		outcome = OutcomeSuperseded
		m.logger.Debug("mutation superseded", "key", key.String())
	}
	span.SetAttributes(attribute.String("tempo.outcome", outcome.String()))

	if mut.Revalidate && m.revalidator != nil {
		if err := m.revalidator.Invalidate(ctx, key); err != nil && !errors.Is(err, ErrNoFetcher) {
			m.logger.Warn("revalidate after mutation failed", "key", key.String(), "error", err)
		}
	}
	return outcome, nil
}
