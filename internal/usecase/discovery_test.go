package usecase

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"witness/internal/domain"
	"witness/internal/infra/cesr"
)

func TestIssueProofVerifiesForAnyAddress(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	pub := f.signer.PublicKey()

	for _, address := range []string{"http://127.0.0.1:3030", "witness.example:5631", "HTTP://witness.example/"} {
		proof, err := f.discovery.IssueProof(context.Background(), address)
		require.NoError(t, err, address)
		assert.Equal(t, f.witness.Prefix(), proof.Subject)
		assert.Equal(t, "http", proof.Scheme)

		msgs, rest, err := cesr.Decode(proof.Raw)
		require.NoError(t, err)
		assert.Empty(t, rest)
		require.Len(t, msgs, 1)
		reply, ok := msgs[0].(*domain.SignedReply)
		require.True(t, ok)
		assert.Equal(t, domain.RouteLocationScheme, reply.Reply.Route)
		assert.Equal(t, proof.Subject, reply.Reply.EID)
		assert.Equal(t, proof.URL, reply.Reply.URL)
		assert.Equal(t, proof.Digest, reply.Reply.Digest)
		require.NoError(t, cesr.VerifySAID(reply.Body, reply.Reply.Digest, false))
		assert.True(t, ed25519.Verify(pub, reply.Body, proof.Signature))
	}
}

func TestIssueProofIsAcceptedAsLocationReply(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	proof, err := f.discovery.IssueProof(context.Background(), "https://witness.example")
	require.NoError(t, err)
	assert.Equal(t, "https", proof.Scheme)

	res, err := f.processor.Process(context.Background(), proof.Raw)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	locs, err := f.query.Locations(context.Background(), string(f.witness.Prefix()))
	require.NoError(t, err)
	assert.Equal(t, proof.Raw, locs)
}

func TestIssueProofRejectsBadAddresses(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	for _, address := range []string{"", "ftp://witness.example", "http://"} {
		_, err := f.discovery.IssueProof(context.Background(), address)
		assert.ErrorIs(t, err, domain.ErrInvalidAddress, address)
	}
}

func TestNormalizeAddress(t *testing.T) {
	scheme, url, err := NormalizeAddress(" witness.example:5631/ ")
	require.NoError(t, err)
	assert.Equal(t, "http", scheme)
	assert.Equal(t, "http://witness.example:5631", url)

	clock := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	f := newFixture(t, fixtureOptions{})
	d, err := NewDiscoveryService(cesr.Codec{}, f.witness, clock)
	require.NoError(t, err)
	a, err := d.IssueProof(context.Background(), "http://a.example")
	require.NoError(t, err)
	b, err := d.IssueProof(context.Background(), "http://a.example")
	require.NoError(t, err)
	assert.Equal(t, a.Raw, b.Raw)
}
