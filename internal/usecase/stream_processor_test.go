package usecase

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"witness/internal/domain"
	"witness/internal/infra/cesr"
	"witness/internal/testutil"
)

func TestProcessChainedEvents(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 3, 2)
	events := []testutil.Built{c.Incept(), c.Rotate(), c.Interact(), c.Rotate()}

	var stream [][]byte
	for _, ev := range events {
		stream = append(stream, ev.Raw)
	}
	res, err := f.processor.Process(context.Background(), testutil.Concat(stream...))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Parsed)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Unconsumed)
	require.Len(t, res.Receipts, 4)

	pub := f.signer.PublicKey()
	for i, r := range res.Receipts {
		assert.Equal(t, c.Prefix, r.Receipt.Prefix)
		assert.Equal(t, uint64(i), r.Receipt.SN)
		assert.Equal(t, events[i].Event.Digest, r.Receipt.Digest)
		require.Len(t, r.Couples, 1)
		assert.Equal(t, f.witness.Prefix(), r.Couples[0].Signer)
		assert.True(t, ed25519.Verify(pub, events[i].Body, r.Couples[0].Signature), "receipt %d must sign the event bytes", i)
	}
}

func TestProcessIsolatesBadSignature(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	a := testutil.NewController(t, 1, 1, 1)
	b := testutil.NewController(t, 10, 1, 1)

	stream := testutil.Concat(a.Incept().Raw, a.Interact().Raw, a.BadInteraction().Raw, b.Incept().Raw)
	res, err := f.processor.Process(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Parsed)
	assert.Len(t, res.Receipts, 3)
	require.Len(t, res.Errors, 1)

	var perr *domain.ProcessingError
	require.True(t, errors.As(res.Errors[0], &perr))
	assert.Equal(t, a.Prefix, perr.Identifier)
	assert.Equal(t, uint64(2), perr.SN)
	assert.ErrorIs(t, perr, domain.ErrSignatureInvalid)
	assert.Equal(t, b.Prefix, res.Receipts[2].Receipt.Prefix)
}

func TestProcessDuplicateAcrossCalls(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 1, 1)
	icp := c.Incept()

	first, err := f.processor.Process(context.Background(), icp.Raw)
	require.NoError(t, err)
	require.Len(t, first.Receipts, 1)

	second, err := f.processor.Process(context.Background(), icp.Raw)
	require.NoError(t, err)
	assert.Empty(t, second.Receipts)
	require.Len(t, second.Errors, 1)
	assert.ErrorIs(t, second.Errors[0], domain.ErrDuplicateEvent)
}

func TestProcessDuplicateInBatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 1, 1)
	icp, rot, ixn := c.Incept(), c.Rotate(), c.Interact()

	res, err := f.processor.Process(context.Background(), testutil.Concat(icp.Raw, rot.Raw, ixn.Raw, ixn.Raw))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Parsed)
	assert.Len(t, res.Receipts, 3)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], domain.ErrDuplicateEvent)
}

func TestProcessMissingSignatures(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 1, 1)
	icp := c.Incept()

	res, err := f.processor.Process(context.Background(), icp.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parsed)
	assert.Empty(t, res.Receipts)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], domain.ErrMissingSignatures)
}

func TestProcessResumesEventSplitBeforeSignatures(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 1, 1)
	icp, ixn := c.Incept(), c.Interact()

	res, err := f.processor.Process(context.Background(), testutil.Concat(icp.Raw, ixn.Body))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parsed)
	assert.Len(t, res.Receipts, 1)
	assert.Empty(t, res.Errors)
	assert.Equal(t, ixn.Body, res.Unconsumed)

	retry := testutil.Concat(res.Unconsumed, ixn.Raw[len(ixn.Body):])
	res, err = f.processor.Process(context.Background(), retry)
	require.NoError(t, err)
	assert.Len(t, res.Receipts, 1)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Unconsumed)
}

func TestProcessUnparseableStream(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	for _, input := range []string{"no events here", "", "   \n"} {
		res, err := f.processor.Process(context.Background(), []byte(input))
		var perr *domain.ParseError
		require.True(t, errors.As(err, &perr), "input %q", input)
		assert.ErrorIs(t, err, domain.ErrParse)
		assert.Empty(t, res.Receipts)
	}
}

func TestProcessReturnsUnconsumedTail(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 1, 1)
	icp, ixn := c.Incept(), c.Interact()
	partial := ixn.Raw[:len(ixn.Raw)-10]

	res, err := f.processor.Process(context.Background(), testutil.Concat(icp.Raw, partial))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parsed)
	assert.Len(t, res.Receipts, 1)
	assert.Equal(t, partial, res.Unconsumed)
}

func TestProcessIngestsForeignReceiptsAndReplies(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 1, 1)
	icp := c.Incept()
	other := testutil.Key(200)

	_, err := f.processor.Process(context.Background(), icp.Raw)
	require.NoError(t, err)

	stream := testutil.Concat(
		testutil.Receipt(t, other, icp),
		testutil.LocationReply(t, other, "http", "http://other.example:5632", time.Now()),
	)
	res, err := f.processor.Process(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Parsed)
	assert.Empty(t, res.Receipts)
	assert.Empty(t, res.Errors)

	all, err := f.store.Receipts(context.Background(), c.Prefix, "")
	require.NoError(t, err)
	own, err := f.query.GetReceipts(context.Background(), string(c.Prefix))
	require.NoError(t, err)
	assert.Greater(t, len(all), len(own))

	locs, err := f.query.Locations(context.Background(), string(testutil.NonTransferable(t, other)))
	require.NoError(t, err)
	assert.Contains(t, string(locs), "http://other.example:5632")
}

func TestProcessCancelledContext(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.processor.Process(ctx, testutil.Concat(c.Incept().Raw, c.Interact().Raw))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Receipts)

	_, err = f.query.Resolve(context.Background(), string(c.Prefix))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessConcurrentIdentifiers(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	controllers := []*testutil.Controller{
		testutil.NewController(t, 1, 1, 1),
		testutil.NewController(t, 20, 1, 1),
		testutil.NewController(t, 40, 1, 1),
	}
	streams := make([][]byte, len(controllers))
	for i, c := range controllers {
		streams[i] = testutil.Concat(c.Incept().Raw, c.Interact().Raw, c.Rotate().Raw)
	}

	results := make([]ProcessResult, len(streams))
	errs := make([]error, len(streams))
	var wg sync.WaitGroup
	for i := range streams {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.processor.Process(context.Background(), streams[i])
		}(i)
	}
	wg.Wait()

	for i := range streams {
		require.NoError(t, errs[i])
		assert.Len(t, results[i].Receipts, 3)
		assert.Empty(t, results[i].Errors)
	}
}

func TestProcessRaceOnSameSequenceNumber(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	left := testutil.NewController(t, 1, 1, 1)
	right := testutil.NewController(t, 1, 1, 1)
	icp := left.Incept()
	right.Incept()

	_, err := f.processor.Process(context.Background(), icp.Raw)
	require.NoError(t, err)

	candidates := [][]byte{left.Interact().Raw, right.Rotate().Raw}
	results := make([]ProcessResult, len(candidates))
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.processor.Process(context.Background(), candidates[i])
		}(i)
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, res := range results {
		winners += len(res.Receipts)
		for _, err := range res.Errors {
			var perr *domain.ProcessingError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, uint64(1), perr.SN)
			losers++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)
}

func TestProcessAdmissionDenied(t *testing.T) {
	f := newFixture(t, fixtureOptions{admission: denyAll{}})
	c := testutil.NewController(t, 1, 1, 1)

	res, err := f.processor.Process(context.Background(), c.Incept().Raw)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], domain.ErrAdmissionDenied)

	_, err = f.query.Resolve(context.Background(), string(c.Prefix))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessSigningFailure(t *testing.T) {
	prefix := testutil.NonTransferable(t, testutil.Key(witnessSeed))
	f := newFixture(t, fixtureOptions{signer: failingSigner{prefix: prefix}})
	c := testutil.NewController(t, 1, 1, 1)

	res, err := f.processor.Process(context.Background(), c.Incept().Raw)
	require.NoError(t, err)
	assert.Empty(t, res.Receipts)
	require.Len(t, res.Errors, 1)
	var perr *domain.ProcessingError
	require.True(t, errors.As(res.Errors[0], &perr))
	assert.Equal(t, c.Prefix, perr.Identifier)
	assert.ErrorIs(t, perr, domain.ErrSigning)
}

func TestProcessOneRejectsUnknownMessage(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, err := f.engine.ProcessOne(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestReceiptReissueIsIdempotent(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	c := testutil.NewController(t, 1, 1, 1)
	icp := c.Incept()

	res, err := f.processor.Process(context.Background(), icp.Raw)
	require.NoError(t, err)
	require.Len(t, res.Receipts, 1)

	again, err := f.processor.Process(context.Background(), res.Receipts[0].Raw)
	require.NoError(t, err)
	assert.Empty(t, again.Errors)

	receipts, err := f.query.GetReceipts(context.Background(), string(c.Prefix))
	require.NoError(t, err)
	msgs, _, err := cesr.Decode(receipts)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
