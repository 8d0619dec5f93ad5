package cesr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"witness/internal/domain"
)

const (
	versionPrefix = "KERI10JSON"
	versionLen    = 17
	versionHead   = `{"v":"`

	// TimestampLayout is the KERI datetime format used in replies.
	TimestampLayout = "2006-01-02T15:04:05.000000-07:00"
)

func versionString(size int) string {
	return fmt.Sprintf("%s%06x_", versionPrefix, size)
}

func parseVersion(v string) (int, error) {
	if len(v) != versionLen || !strings.HasPrefix(v, versionPrefix) || v[versionLen-1] != '_' {
		return 0, fmt.Errorf("invalid version string %q", v)
	}
	size, err := strconv.ParseUint(v[len(versionPrefix):versionLen-1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version size %q", v)
	}
	return int(size), nil
}

func placeholder(code string) string {
	return strings.Repeat("#", DigestLen(code))
}

// Field order follows the KERI serialisation of each ilk.
type icpBody struct {
	V  string          `json:"v"`
	T  string          `json:"t"`
	D  string          `json:"d"`
	I  string          `json:"i"`
	S  string          `json:"s"`
	Kt string          `json:"kt"`
	K  []string        `json:"k"`
	N  string          `json:"n"`
	Bt string          `json:"bt"`
	B  []string        `json:"b"`
	C  []string        `json:"c"`
	A  json.RawMessage `json:"a"`
}

type rotBody struct {
	V  string          `json:"v"`
	T  string          `json:"t"`
	D  string          `json:"d"`
	I  string          `json:"i"`
	S  string          `json:"s"`
	P  string          `json:"p"`
	Kt string          `json:"kt"`
	K  []string        `json:"k"`
	N  string          `json:"n"`
	Bt string          `json:"bt"`
	Br []string        `json:"br"`
	Ba []string        `json:"ba"`
	A  json.RawMessage `json:"a"`
}

type ixnBody struct {
	V string          `json:"v"`
	T string          `json:"t"`
	D string          `json:"d"`
	I string          `json:"i"`
	S string          `json:"s"`
	P string          `json:"p"`
	A json.RawMessage `json:"a"`
}

type rctBody struct {
	V string `json:"v"`
	T string `json:"t"`
	D string `json:"d"`
	I string `json:"i"`
	S string `json:"s"`
}

type locScheme struct {
	EID    string `json:"eid"`
	Scheme string `json:"scheme"`
	URL    string `json:"url"`
}

type rpyBody struct {
	V  string    `json:"v"`
	T  string    `json:"t"`
	D  string    `json:"d"`
	Dt string    `json:"dt"`
	R  string    `json:"r"`
	A  locScheme `json:"a"`
}

// rawBody is the union of every field the decoder understands.
type rawBody struct {
	V  string          `json:"v"`
	T  string          `json:"t"`
	D  string          `json:"d"`
	I  string          `json:"i"`
	S  string          `json:"s"`
	P  string          `json:"p"`
	Kt string          `json:"kt"`
	K  []string        `json:"k"`
	N  string          `json:"n"`
	Bt string          `json:"bt"`
	B  []string        `json:"b"`
	Br []string        `json:"br"`
	Ba []string        `json:"ba"`
	Dt string          `json:"dt"`
	R  string          `json:"r"`
	A  json.RawMessage `json:"a"`
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncoding, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// sized serialises a body twice: once to learn its length and once with the
// version string carrying that length.
func sized(setVersion func(string), body any) ([]byte, error) {
	setVersion(versionString(0))
	raw, err := marshalCompact(body)
	if err != nil {
		return nil, err
	}
	setVersion(versionString(len(raw)))
	return marshalCompact(body)
}

// saidify fills the digest field (and the prefix, when selfAddressing) of a body
// serialised with placeholders.
func saidify(raw []byte, code string, selfAddressing bool) ([]byte, string, error) {
	said, err := Digest(code, raw)
	if err != nil {
		return nil, "", err
	}
	ph := placeholder(code)
	out := bytes.Replace(raw, []byte(`"d":"`+ph+`"`), []byte(`"d":"`+said+`"`), 1)
	if selfAddressing {
		out = bytes.Replace(out, []byte(`"i":"`+ph+`"`), []byte(`"i":"`+said+`"`), 1)
	}
	return out, said, nil
}

// VerifySAID recomputes the self-addressing digest of body.
func VerifySAID(body []byte, said string, selfAddressing bool) error {
	code, _, n, err := DecodePrimitive(said)
	if err != nil || n != len(said) || !IsDigestCode(code) {
		return fmt.Errorf("%w: %q is not a digest", domain.ErrInvalidDigest, said)
	}
	ph := placeholder(code)
	dField := []byte(`"d":"` + said + `"`)
	if !bytes.Contains(body, dField) {
		return fmt.Errorf("%w: digest field not found", domain.ErrInvalidDigest)
	}
	raw := bytes.Replace(body, dField, []byte(`"d":"`+ph+`"`), 1)
	if selfAddressing {
		raw = bytes.Replace(raw, []byte(`"i":"`+said+`"`), []byte(`"i":"`+ph+`"`), 1)
	}
	expected, err := Digest(code, raw)
	if err != nil {
		return err
	}
	if expected != said {
		return fmt.Errorf("%w: computed %s", domain.ErrInvalidDigest, expected)
	}
	return nil
}

// EventSpec describes a key event to serialise. An inception with an empty Prefix
// gets a self-addressing prefix equal to its SAID.
type EventSpec struct {
	Prefix          domain.Prefix
	SN              uint64
	Prior           string
	Threshold       uint64
	Keys            []string
	NextDigest      string
	BackerThreshold uint64
	Backers         []string
	Cuts            []string
	Adds            []string
	Config          []string
	Seals           json.RawMessage
	DigestCode      string
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s EventSpec) seals() json.RawMessage {
	if len(s.Seals) == 0 {
		return json.RawMessage("[]")
	}
	return s.Seals
}

func (s EventSpec) code() string {
	if s.DigestCode == "" {
		return DefaultDigestCode
	}
	return s.DigestCode
}

func hexUint(v uint64) string {
	return strconv.FormatUint(v, 16)
}

func BuildInception(spec EventSpec) ([]byte, domain.KeyEvent, error) {
	code := spec.code()
	ph := placeholder(code)
	if ph == "" {
		return nil, domain.KeyEvent{}, fmt.Errorf("%w: digest %q", errUnknownCode, code)
	}
	selfAddressing := spec.Prefix == ""
	prefix := string(spec.Prefix)
	if selfAddressing {
		prefix = ph
	}
	body := &icpBody{
		T:  string(domain.IlkInception),
		D:  ph,
		I:  prefix,
		S:  "0",
		Kt: hexUint(spec.Threshold),
		K:  orEmpty(spec.Keys),
		N:  spec.NextDigest,
		Bt: hexUint(spec.BackerThreshold),
		B:  orEmpty(spec.Backers),
		C:  orEmpty(spec.Config),
		A:  spec.seals(),
	}
	raw, err := sized(func(v string) { body.V = v }, body)
	if err != nil {
		return nil, domain.KeyEvent{}, err
	}
	out, said, err := saidify(raw, code, selfAddressing)
	if err != nil {
		return nil, domain.KeyEvent{}, err
	}
	if selfAddressing {
		prefix = said
	}
	return out, domain.KeyEvent{
		Prefix:     domain.Prefix(prefix),
		SN:         0,
		Ilk:        domain.IlkInception,
		Digest:     said,
		Threshold:  body.Kt,
		Keys:       body.K,
		NextDigest: body.N,
		Backers:    body.B,
	}, nil
}

func BuildRotation(spec EventSpec) ([]byte, domain.KeyEvent, error) {
	code := spec.code()
	ph := placeholder(code)
	body := &rotBody{
		T:  string(domain.IlkRotation),
		D:  ph,
		I:  string(spec.Prefix),
		S:  hexUint(spec.SN),
		P:  spec.Prior,
		Kt: hexUint(spec.Threshold),
		K:  orEmpty(spec.Keys),
		N:  spec.NextDigest,
		Bt: hexUint(spec.BackerThreshold),
		Br: orEmpty(spec.Cuts),
		Ba: orEmpty(spec.Adds),
		A:  spec.seals(),
	}
	raw, err := sized(func(v string) { body.V = v }, body)
	if err != nil {
		return nil, domain.KeyEvent{}, err
	}
	out, said, err := saidify(raw, code, false)
	if err != nil {
		return nil, domain.KeyEvent{}, err
	}
	return out, domain.KeyEvent{
		Prefix:     spec.Prefix,
		SN:         spec.SN,
		Ilk:        domain.IlkRotation,
		Digest:     said,
		Prior:      spec.Prior,
		Threshold:  body.Kt,
		Keys:       body.K,
		NextDigest: body.N,
		Cuts:       body.Br,
		Adds:       body.Ba,
	}, nil
}

func BuildInteraction(spec EventSpec) ([]byte, domain.KeyEvent, error) {
	code := spec.code()
	body := &ixnBody{
		T: string(domain.IlkInteraction),
		D: placeholder(code),
		I: string(spec.Prefix),
		S: hexUint(spec.SN),
		P: spec.Prior,
		A: spec.seals(),
	}
	raw, err := sized(func(v string) { body.V = v }, body)
	if err != nil {
		return nil, domain.KeyEvent{}, err
	}
	out, said, err := saidify(raw, code, false)
	if err != nil {
		return nil, domain.KeyEvent{}, err
	}
	return out, domain.KeyEvent{
		Prefix: spec.Prefix,
		SN:     spec.SN,
		Ilk:    domain.IlkInteraction,
		Digest: said,
		Prior:  spec.Prior,
	}, nil
}

// ReceiptBody serialises a non-transferable receipt. Its "d" is the receipted
// event's digest, so no SAID is computed here.
func ReceiptBody(r domain.Receipt) ([]byte, error) {
	if r.Prefix == "" || r.Digest == "" {
		return nil, fmt.Errorf("%w: receipt requires identifier and digest", domain.ErrEncoding)
	}
	body := &rctBody{
		T: string(domain.IlkReceipt),
		D: r.Digest,
		I: string(r.Prefix),
		S: hexUint(r.SN),
	}
	return sized(func(v string) { body.V = v }, body)
}

// ReplyBody serialises a /loc/scheme reply for eid and fills in its SAID.
func ReplyBody(eid domain.Prefix, scheme, url string, at time.Time) ([]byte, domain.Reply, error) {
	if eid == "" || scheme == "" || url == "" {
		return nil, domain.Reply{}, fmt.Errorf("%w: reply requires eid, scheme and url", domain.ErrEncoding)
	}
	body := &rpyBody{
		T:  string(domain.IlkReply),
		D:  placeholder(DefaultDigestCode),
		Dt: at.UTC().Format(TimestampLayout),
		R:  domain.RouteLocationScheme,
		A:  locScheme{EID: string(eid), Scheme: scheme, URL: url},
	}
	raw, err := sized(func(v string) { body.V = v }, body)
	if err != nil {
		return nil, domain.Reply{}, err
	}
	out, said, err := saidify(raw, DefaultDigestCode, false)
	if err != nil {
		return nil, domain.Reply{}, err
	}
	return out, domain.Reply{
		Digest:    said,
		Timestamp: body.Dt,
		Route:     body.R,
		EID:       eid,
		Scheme:    scheme,
		URL:       url,
	}, nil
}

// ParseTimestamp reads a reply datetime.
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	return t, nil
}
