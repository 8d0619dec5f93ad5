// Package testutil builds signed KERI messages for tests.
package testutil

import (
	"crypto/ed25519"
	"testing"
	"time"

	"witness/internal/domain"
	"witness/internal/infra/cesr"
)

type Built struct {
	Raw   []byte
	Body  []byte
	Event domain.KeyEvent
}

// Controller owns a key set and tracks the tip of its own KEL.
type Controller struct {
	t         testing.TB
	seed      byte
	keys      []ed25519.PrivateKey
	next      []ed25519.PrivateKey
	threshold uint64

	Prefix domain.Prefix
	sn     uint64
	tip    string
}

func Key(seed byte) ed25519.PrivateKey {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	return ed25519.NewKeyFromSeed(s)
}

func keySet(seed byte, n int) []ed25519.PrivateKey {
	out := make([]ed25519.PrivateKey, n)
	for i := range out {
		out[i] = Key(seed + byte(i))
	}
	return out
}

// NewController creates a controller with keyCount keys and signing threshold kt.
// Key seeds start at seed, so controllers in one test need seeds at least keyCount apart.
func NewController(t testing.TB, seed byte, keyCount int, kt uint64) *Controller {
	t.Helper()
	return &Controller{
		t:         t,
		seed:      seed,
		keys:      keySet(seed, keyCount),
		next:      keySet(seed+100, keyCount),
		threshold: kt,
	}
}

func (c *Controller) qb64Keys(keys []ed25519.PrivateKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		text, err := cesr.EncodePrimitive(cesr.CodeEd25519, k.Public().(ed25519.PublicKey))
		if err != nil {
			c.t.Fatalf("encode key: %v", err)
		}
		out = append(out, text)
	}
	return out
}

func (c *Controller) nextDigest(keys []ed25519.PrivateKey) string {
	var joined []byte
	for _, k := range c.qb64Keys(keys) {
		joined = append(joined, k...)
	}
	d, err := cesr.Digest(cesr.DefaultDigestCode, joined)
	if err != nil {
		c.t.Fatalf("next digest: %v", err)
	}
	return d
}

func (c *Controller) sign(body []byte, keys []ed25519.PrivateKey) []byte {
	sigs := make([]domain.IndexedSignature, 0, len(keys))
	for i, k := range keys {
		sigs = append(sigs, domain.IndexedSignature{Index: i, Signature: ed25519.Sign(k, body)})
	}
	raw, err := cesr.AttachIndexed(body, cesr.CounterControllerSigs, sigs)
	if err != nil {
		c.t.Fatalf("attach signatures: %v", err)
	}
	return raw
}

func (c *Controller) advance(b Built) Built {
	c.sn = b.Event.SN
	c.tip = b.Event.Digest
	return b
}

func (c *Controller) Incept() Built {
	c.t.Helper()
	body, ev, err := cesr.BuildInception(cesr.EventSpec{
		Threshold:  c.threshold,
		Keys:       c.qb64Keys(c.keys),
		NextDigest: c.nextDigest(c.next),
	})
	if err != nil {
		c.t.Fatalf("build inception: %v", err)
	}
	c.Prefix = ev.Prefix
	return c.advance(Built{Raw: c.sign(body, c.keys), Body: body, Event: ev})
}

func (c *Controller) Rotate() Built {
	c.t.Helper()
	c.keys, c.next = c.next, keySet(c.seed+byte(c.sn+1)*7+150, len(c.next))
	body, ev, err := cesr.BuildRotation(cesr.EventSpec{
		Prefix:     c.Prefix,
		SN:         c.sn + 1,
		Prior:      c.tip,
		Threshold:  c.threshold,
		Keys:       c.qb64Keys(c.keys),
		NextDigest: c.nextDigest(c.next),
	})
	if err != nil {
		c.t.Fatalf("build rotation: %v", err)
	}
	return c.advance(Built{Raw: c.sign(body, c.keys), Body: body, Event: ev})
}

func (c *Controller) interaction() ([]byte, domain.KeyEvent) {
	body, ev, err := cesr.BuildInteraction(cesr.EventSpec{Prefix: c.Prefix, SN: c.sn + 1, Prior: c.tip})
	if err != nil {
		c.t.Fatalf("build interaction: %v", err)
	}
	return body, ev
}

func (c *Controller) Interact() Built {
	c.t.Helper()
	body, ev := c.interaction()
	return c.advance(Built{Raw: c.sign(body, c.keys), Body: body, Event: ev})
}

// BadInteraction is the next interaction signed by foreign keys. The tip does not move.
func (c *Controller) BadInteraction() Built {
	c.t.Helper()
	body, ev := c.interaction()
	return Built{Raw: c.sign(body, keySet(c.seed+200, len(c.keys))), Body: body, Event: ev}
}

// UnsignedInteraction is the next interaction without attachments. The tip does not move.
func (c *Controller) UnsignedInteraction() Built {
	c.t.Helper()
	body, ev := c.interaction()
	return Built{Raw: append([]byte(nil), body...), Body: body, Event: ev}
}

func NonTransferable(t testing.TB, key ed25519.PrivateKey) domain.Prefix {
	t.Helper()
	text, err := cesr.EncodePrimitive(cesr.CodeEd25519N, key.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("encode prefix: %v", err)
	}
	return domain.Prefix(text)
}

// Receipt builds a non-transferable receipt by key for the given event.
func Receipt(t testing.TB, key ed25519.PrivateKey, b Built) []byte {
	t.Helper()
	body, err := cesr.ReceiptBody(domain.Receipt{Prefix: b.Event.Prefix, SN: b.Event.SN, Digest: b.Event.Digest})
	if err != nil {
		t.Fatalf("receipt body: %v", err)
	}
	raw, err := cesr.AttachCouples(body, []domain.Couple{{Signer: NonTransferable(t, key), Signature: ed25519.Sign(key, b.Body)}})
	if err != nil {
		t.Fatalf("attach couple: %v", err)
	}
	return raw
}

// LocationReply builds a /loc/scheme reply for key's non-transferable prefix.
func LocationReply(t testing.TB, key ed25519.PrivateKey, scheme, url string, at time.Time) []byte {
	t.Helper()
	eid := NonTransferable(t, key)
	body, _, err := cesr.ReplyBody(eid, scheme, url, at)
	if err != nil {
		t.Fatalf("reply body: %v", err)
	}
	raw, err := cesr.AttachCouples(body, []domain.Couple{{Signer: eid, Signature: ed25519.Sign(key, body)}})
	if err != nil {
		t.Fatalf("attach couple: %v", err)
	}
	return raw
}

func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
