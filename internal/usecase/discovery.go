package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"witness/internal/domain"
)

// DiscoveryService signs location replies binding this witness to an address.
type DiscoveryService struct {
	codec   Codec
	witness *Witness
	now     func() time.Time
}

func NewDiscoveryService(codec Codec, witness *Witness, now func() time.Time) (*DiscoveryService, error) {
	if codec == nil || witness == nil {
		return nil, errors.New("discovery service requires codec and witness")
	}
	if now == nil {
		now = time.Now
	}
	return &DiscoveryService{codec: codec, witness: witness, now: now}, nil
}

// IssueProof builds and signs a /loc/scheme reply for address. An address without
// a scheme is taken as http.
func (d *DiscoveryService) IssueProof(ctx context.Context, address string) (domain.DiscoveryProof, error) {
	scheme, normalized, err := NormalizeAddress(address)
	if err != nil {
		return domain.DiscoveryProof{}, err
	}
	body, reply, err := d.codec.ReplyBody(d.witness.Prefix(), scheme, normalized, d.now())
	if err != nil {
		return domain.DiscoveryProof{}, encodingError(err)
	}
	sig, err := d.witness.sign(ctx, body)
	if err != nil {
		return domain.DiscoveryProof{}, err
	}
	raw, err := d.codec.AttachCouples(body, []domain.Couple{{Signer: d.witness.Prefix(), Signature: sig}})
	if err != nil {
		return domain.DiscoveryProof{}, encodingError(err)
	}
	return domain.DiscoveryProof{
		Subject:   d.witness.Prefix(),
		Scheme:    reply.Scheme,
		URL:       reply.URL,
		Digest:    reply.Digest,
		Timestamp: reply.Timestamp,
		Signature: sig,
		Raw:       raw,
	}, nil
}

// NormalizeAddress returns the lower-case scheme and the address without a
// trailing slash.
func NormalizeAddress(address string) (string, string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", fmt.Errorf("%w: empty address", domain.ErrInvalidAddress)
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrInvalidAddress, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https", "tcp":
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidAddress, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w: missing host in %q", domain.ErrInvalidAddress, address)
	}
	return u.Scheme, strings.TrimRight(u.String(), "/"), nil
}
