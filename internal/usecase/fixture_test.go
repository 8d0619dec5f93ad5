package usecase

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"witness/internal/domain"
	"witness/internal/infra/cesr"
	"witness/internal/infra/kel"
	"witness/internal/infra/kelmem"
	"witness/internal/infra/keys/soft"
	"witness/internal/testutil"
)

const witnessSeed = 250

type fixture struct {
	store     *kel.Processor
	signer    *soft.Manager
	witness   *Witness
	engine    *ReceiptEngine
	processor *StreamProcessor
	query     *QueryService
	discovery *DiscoveryService
}

type fixtureOptions struct {
	signer    Signer
	admission AdmissionPolicy
	forward   func(store KELStore) ForwardPolicy
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	signer, err := soft.NewManager(testutil.Key(witnessSeed))
	require.NoError(t, err)

	var s Signer = signer
	if opts.signer != nil {
		s = opts.signer
	}
	witness, err := NewWitness(s)
	require.NoError(t, err)

	store := kel.NewProcessor(kelmem.New())
	codec := cesr.Codec{}
	engine, err := NewReceiptEngine(ReceiptEngineDeps{
		Store:     store,
		Codec:     codec,
		Witness:   witness,
		Admission: opts.admission,
		Log:       quietLogger(),
	})
	require.NoError(t, err)

	var forward ForwardPolicy
	if opts.forward != nil {
		forward = opts.forward(store)
	}
	processor, err := NewStreamProcessor(StreamProcessorDeps{Codec: codec, Engine: engine, Forward: forward, Log: quietLogger()})
	require.NoError(t, err)
	query, err := NewQueryService(store, codec, witness)
	require.NoError(t, err)
	discovery, err := NewDiscoveryService(codec, witness, nil)
	require.NoError(t, err)

	return &fixture{
		store:     store,
		signer:    signer,
		witness:   witness,
		engine:    engine,
		processor: processor,
		query:     query,
		discovery: discovery,
	}
}

type dispatch struct {
	prefix domain.Prefix
	stream []byte
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatch
}

func (d *recordingDispatcher) Dispatch(prefix domain.Prefix, stream []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatch{prefix: prefix, stream: append([]byte(nil), stream...)})
	return true
}

type failingSigner struct {
	prefix domain.Prefix
}

func (s failingSigner) Sign(context.Context, []byte) ([]byte, error) {
	return nil, domain.ErrSigning
}

func (s failingSigner) Prefix() domain.Prefix {
	return s.prefix
}

type denyAll struct{}

func (denyAll) Admit(context.Context, domain.AdmissionInput) error {
	return domain.ErrAdmissionDenied
}
