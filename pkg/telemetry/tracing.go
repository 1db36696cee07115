package telemetry

import (
	"context"

	"github.com/suiteforge/suiteforge/pkg/engine"
)

// TracedToolchain decorates a Toolchain with a per-node span.
type TracedToolchain struct {
	tracer *Tracer
	next   engine.Toolchain
}

// TraceToolchain wraps next so every build step runs inside a node span.
func TraceToolchain(tracer *Tracer, next engine.Toolchain) *TracedToolchain {
	return &TracedToolchain{tracer: tracer, next: next}
}

// Build runs the wrapped toolchain inside a node span.
func (t *TracedToolchain) Build(ctx context.Context, unit *engine.BuildUnit, cfg *engine.NodeConfig, tgt engine.Target, deps map[string]engine.ArtifactInfo) (*engine.ArtifactInfo, error) {
	ctx, span := t.tracer.StartNodeSpan(ctx, unit.ID, string(unit.Kind), tgt.String())
	defer span.End()

	info, err := t.next.Build(ctx, unit, cfg, tgt, deps)
	if err != nil {
		span.SetAttributes(
			AttrErrorClass.String(string(engine.ClassOf(err))),
			AttrErrorCode.String(engine.ErrorCode(err)),
		)
		RecordError(span, err)
		return nil, err
	}
	RecordSuccess(span)
	return info, nil
}

// TracedMaterializer decorates a Materializer with a per-node span.
type TracedMaterializer struct {
	tracer *Tracer
	next   engine.Materializer
}

// TraceMaterializer wraps next so every materialization runs inside a node
// span.
func TraceMaterializer(tracer *Tracer, next engine.Materializer) *TracedMaterializer {
	return &TracedMaterializer{tracer: tracer, next: next}
}

// Materialize runs the wrapped materializer inside a node span.
func (t *TracedMaterializer) Materialize(ctx context.Context, unit *engine.BuildUnit, cfg *engine.NodeConfig, tgt engine.Target, deps map[string]engine.ArtifactInfo) (*engine.ArtifactInfo, error) {
	ctx, span := t.tracer.StartNodeSpan(ctx, unit.ID, string(unit.Kind), tgt.String())
	defer span.End()

	info, err := t.next.Materialize(ctx, unit, cfg, tgt, deps)
	if err != nil {
		span.SetAttributes(
			AttrErrorClass.String(string(engine.ClassOf(err))),
			AttrErrorCode.String(engine.ErrorCode(err)),
		)
		RecordError(span, err)
		return nil, err
	}
	RecordSuccess(span)
	return info, nil
}
