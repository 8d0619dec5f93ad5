package usecase

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"witness/internal/domain"
)

const (
	ForwardNone  = "none"
	ForwardEvent = "event"
	ForwardKEL   = "kel"
)

// ForwardPolicy decides what reaches the resolver after a publish. It never fails
// the publish: dispatch is detached and failures are only logged.
type ForwardPolicy interface {
	EventAccepted(ev *domain.SignedEvent)
	BatchDone(ctx context.Context, touched []domain.Prefix)
}

func NewForwardPolicy(mode string, store KELStore, dispatcher Dispatcher, log logrus.FieldLogger) (ForwardPolicy, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	switch mode {
	case ForwardNone, "":
		return noForward{}, nil
	case ForwardEvent, ForwardKEL:
	default:
		return nil, fmt.Errorf("unknown forward policy %q", mode)
	}
	if dispatcher == nil {
		return noForward{}, nil
	}
	if mode == ForwardEvent {
		return eventForward{dispatcher: dispatcher}, nil
	}
	if store == nil {
		return nil, fmt.Errorf("forward policy %q requires a store", mode)
	}
	return kelForward{store: store, dispatcher: dispatcher, log: log}, nil
}

type noForward struct{}

func (noForward) EventAccepted(*domain.SignedEvent) {}
func (noForward) BatchDone(context.Context, []domain.Prefix) {}

// eventForward sends each accepted event, attachments included, as it is accepted.
type eventForward struct {
	dispatcher Dispatcher
}

func (f eventForward) EventAccepted(ev *domain.SignedEvent) {
	f.dispatcher.Dispatch(ev.Event.Prefix, ev.Raw)
}

func (eventForward) BatchDone(context.Context, []domain.Prefix) {}

// kelForward sends the full log of every identifier the batch advanced.
type kelForward struct {
	store      KELStore
	dispatcher Dispatcher
	log        logrus.FieldLogger
}

func (kelForward) EventAccepted(*domain.SignedEvent) {}

func (f kelForward) BatchDone(ctx context.Context, touched []domain.Prefix) {
	for _, prefix := range touched {
		kel, err := f.store.KEL(ctx, prefix)
		if err != nil {
			f.log.WithError(err).WithField("identifier", prefix).Warn("read kel for forwarding")
			continue
		}
		f.dispatcher.Dispatch(prefix, kel)
	}
}
