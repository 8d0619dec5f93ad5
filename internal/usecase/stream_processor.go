package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"witness/internal/domain"
)

type ProcessResult struct {
	Parsed     int
	Receipts   []*domain.SignedReceipt
	Errors     []error
	Unconsumed []byte
}

type StreamProcessorDeps struct {
	Codec   Codec
	Engine  *ReceiptEngine
	Forward ForwardPolicy
	Log     logrus.FieldLogger
}

type StreamProcessor struct {
	codec   Codec
	engine  *ReceiptEngine
	forward ForwardPolicy
	log     logrus.FieldLogger
	metrics *metrics
}

func NewStreamProcessor(deps StreamProcessorDeps) (*StreamProcessor, error) {
	if deps.Codec == nil || deps.Engine == nil {
		return nil, errors.New("stream processor requires codec and engine")
	}
	forward := deps.Forward
	if forward == nil {
		forward = noForward{}
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StreamProcessor{
		codec:   deps.Codec,
		engine:  deps.Engine,
		forward: forward,
		log:     log,
		metrics: newMetrics(),
	}, nil
}

// Process decodes raw once and runs every message through the receipt engine in
// arrival order. A rejected message never stops the batch; only an undecodable
// stream or a cancelled context is a call-level error.
func (p *StreamProcessor) Process(ctx context.Context, raw []byte) (ProcessResult, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "witness.process")
	defer span.End()

	msgs, rest, err := p.codec.Decode(raw)
	if err != nil {
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			err = &domain.ParseError{Reason: err.Error()}
		}
		span.SetStatus(codes.Error, err.Error())
		return ProcessResult{}, err
	}
	if len(msgs) == 0 {
		err := &domain.ParseError{Reason: "empty stream"}
		span.SetStatus(codes.Error, err.Error())
		return ProcessResult{}, err
	}

	res := ProcessResult{Parsed: len(msgs), Unconsumed: rest}
	var touched []domain.Prefix
	seen := make(map[domain.Prefix]struct{})
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			p.log.WithField("remaining", len(msgs)-i).Warn("publish cancelled")
			p.finish(ctx, touched)
			return res, fmt.Errorf("process stream: %w", err)
		}
		kind := msg.Kind().String()
		p.metrics.message(ctx, kind)

		receipt, err := p.engine.ProcessOne(ctx, msg)
		if err != nil {
			p.metrics.failure(ctx, kind)
			res.Errors = append(res.Errors, err)
			continue
		}
		if receipt == nil {
			continue
		}
		res.Receipts = append(res.Receipts, receipt)
		if ev, ok := msg.(*domain.SignedEvent); ok {
			p.forward.EventAccepted(ev)
			if _, dup := seen[ev.Event.Prefix]; !dup {
				seen[ev.Event.Prefix] = struct{}{}
				touched = append(touched, ev.Event.Prefix)
			}
		}
	}
	p.finish(ctx, touched)

	span.SetAttributes(
		attribute.Int("witness.parsed", res.Parsed),
		attribute.Int("witness.receipts", len(res.Receipts)),
		attribute.Int("witness.errors", len(res.Errors)),
	)
	return res, nil
}

func (p *StreamProcessor) finish(ctx context.Context, touched []domain.Prefix) {
	if len(touched) == 0 {
		return
	}
	p.forward.BatchDone(context.WithoutCancel(ctx), touched)
}
