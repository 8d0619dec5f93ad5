package cesr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"witness/internal/domain"
)

const (
	CounterControllerSigs = "-A"
	CounterWitnessSigs    = "-B"
	CounterCouples        = "-C"

	counterLen = 4
	maxCount   = 64*64 - 1
)

var (
	errIncomplete = errors.New("incomplete frame")
	errMalformed  = errors.New("malformed frame")
)

func encodeCounter(code string, count int) (string, error) {
	if count < 0 || count > maxCount {
		return "", fmt.Errorf("%w: %d attachments", domain.ErrEncoding, count)
	}
	return code + string(alphabet[count/64]) + string(alphabet[count%64]), nil
}

func decodeCounter(text string) (string, int, error) {
	if len(text) < counterLen {
		return "", 0, errIncomplete
	}
	code := text[:2]
	hi := strings.IndexByte(alphabet, text[2])
	lo := strings.IndexByte(alphabet, text[3])
	if hi < 0 || lo < 0 {
		return "", 0, fmt.Errorf("%w: bad counter %q", errMalformed, text[:counterLen])
	}
	return code, hi*64 + lo, nil
}

// AttachIndexed appends an indexed signature group to body.
func AttachIndexed(body []byte, counter string, sigs []domain.IndexedSignature) ([]byte, error) {
	head, err := encodeCounter(counter, len(sigs))
	if err != nil {
		return nil, err
	}
	out := append(append([]byte{}, body...), head...)
	for _, sig := range sigs {
		enc, err := EncodeIndexed(sig)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEncoding, err)
		}
		out = append(out, enc...)
	}
	return out, nil
}

// AttachCouples appends a non-transferable receipt couple group to body.
func AttachCouples(body []byte, couples []domain.Couple) ([]byte, error) {
	head, err := encodeCounter(CounterCouples, len(couples))
	if err != nil {
		return nil, err
	}
	out := append(append([]byte{}, body...), head...)
	for _, c := range couples {
		enc, err := EncodeCouple(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEncoding, err)
		}
		out = append(out, enc...)
	}
	return out, nil
}

type attachments struct {
	controller []domain.IndexedSignature
	witness    []domain.IndexedSignature
	couples    []domain.Couple
}

// parseAttachments consumes counter groups until the next byte is not a counter.
func parseAttachments(text string) (attachments, int, error) {
	var out attachments
	pos := 0
	for pos < len(text) && text[pos] == '-' {
		code, count, err := decodeCounter(text[pos:])
		if err != nil {
			return out, 0, err
		}
		pos += counterLen
		switch code {
		case CounterControllerSigs, CounterWitnessSigs:
			if len(text)-pos < count*IndexedSigSize {
				return out, 0, errIncomplete
			}
			for i := 0; i < count; i++ {
				sig, err := DecodeIndexed(text[pos : pos+IndexedSigSize])
				if err != nil {
					return out, 0, fmt.Errorf("%w: %v", errMalformed, err)
				}
				if code == CounterControllerSigs {
					out.controller = append(out.controller, sig)
				} else {
					out.witness = append(out.witness, sig)
				}
				pos += IndexedSigSize
			}
		case CounterCouples:
			if len(text)-pos < count*CoupleSize {
				return out, 0, errIncomplete
			}
			for i := 0; i < count; i++ {
				c, err := DecodeCouple(text[pos : pos+CoupleSize])
				if err != nil {
					return out, 0, fmt.Errorf("%w: %v", errMalformed, err)
				}
				out.couples = append(out.couples, c)
				pos += CoupleSize
			}
		default:
			return out, 0, fmt.Errorf("%w: unknown counter %q", errMalformed, code)
		}
	}
	return out, pos, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func skipSpace(b []byte) []byte {
	for len(b) > 0 && isSpace(b[0]) {
		b = b[1:]
	}
	return b
}

// Decode splits stream into as many complete messages as it can. Decoding stops at
// the first frame that is incomplete or malformed and the bytes from there on are
// returned as rest. An error is returned only when non-blank input yields nothing.
func Decode(stream []byte) ([]domain.Message, []byte, error) {
	var msgs []domain.Message
	rest := skipSpace(stream)
	var stopErr error
	for len(rest) > 0 {
		msg, n, err := decodeFrame(rest)
		if err != nil {
			stopErr = err
			break
		}
		// A bare event at the end of a chunk may still be waiting for its
		// signatures. A stream holding only that event is decoded so the caller
		// learns the signatures are missing.
		if len(msgs) > 0 && awaitingAttachments(msg) && len(skipSpace(rest[n:])) == 0 {
			break
		}
		msgs = append(msgs, msg)
		rest = skipSpace(rest[n:])
	}
	if len(msgs) == 0 && len(rest) > 0 {
		return nil, rest, &domain.ParseError{Reason: stopErr.Error()}
	}
	if len(rest) == 0 {
		rest = nil
	}
	return msgs, rest, nil
}

func decodeFrame(b []byte) (domain.Message, int, error) {
	head := len(versionHead) + versionLen
	if len(b) < head {
		if bytes.HasPrefix([]byte(versionHead+versionPrefix), b) || bytes.HasPrefix(b, []byte(versionHead)) {
			return nil, 0, errIncomplete
		}
		return nil, 0, fmt.Errorf("%w: not a KERI message", errMalformed)
	}
	if !bytes.HasPrefix(b, []byte(versionHead)) {
		return nil, 0, fmt.Errorf("%w: not a KERI message", errMalformed)
	}
	size, err := parseVersion(string(b[len(versionHead):head]))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if size < head {
		return nil, 0, fmt.Errorf("%w: size %d too small", errMalformed, size)
	}
	if len(b) < size {
		return nil, 0, errIncomplete
	}
	body := b[:size]
	if err := rejectDuplicateKeys(body); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errMalformed, err)
	}
	var rb rawBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errMalformed, err)
	}
	att, n, err := parseAttachments(string(b[size:]))
	if err != nil {
		return nil, 0, err
	}
	total := size + n
	raw := append([]byte{}, b[:total]...)
	bodyCopy := raw[:size:size]

	switch domain.Ilk(rb.T) {
	case domain.IlkInception, domain.IlkRotation, domain.IlkInteraction:
		ev, err := toKeyEvent(rb)
		if err != nil {
			return nil, 0, err
		}
		return &domain.SignedEvent{
			Event:             ev,
			Body:              bodyCopy,
			Signatures:        att.controller,
			WitnessSignatures: att.witness,
			Raw:               raw,
		}, total, nil
	case domain.IlkReceipt:
		sn, err := parseSN(rb.S)
		if err != nil {
			return nil, 0, err
		}
		return &domain.SignedReceipt{
			Receipt: domain.Receipt{Prefix: domain.Prefix(rb.I), SN: sn, Digest: rb.D},
			Body:    bodyCopy,
			Couples: att.couples,
			Raw:     raw,
		}, total, nil
	case domain.IlkReply:
		var loc locScheme
		if len(rb.A) > 0 {
			if err := json.Unmarshal(rb.A, &loc); err != nil {
				return nil, 0, fmt.Errorf("%w: reply payload: %v", errMalformed, err)
			}
		}
		return &domain.SignedReply{
			Reply: domain.Reply{
				Digest:    rb.D,
				Timestamp: rb.Dt,
				Route:     rb.R,
				EID:       domain.Prefix(loc.EID),
				Scheme:    loc.Scheme,
				URL:       loc.URL,
			},
			Body:    bodyCopy,
			Couples: att.couples,
			Raw:     raw,
		}, total, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown message type %q", errMalformed, rb.T)
	}
}

func parseSN(s string) (uint64, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, fmt.Errorf("%w: invalid sequence number %q", errMalformed, s)
	}
	sn, err := strconv.ParseUint(s, 16, 64)
	if err != nil || s != strings.ToLower(s) {
		return 0, fmt.Errorf("%w: invalid sequence number %q", errMalformed, s)
	}
	return sn, nil
}

func toKeyEvent(rb rawBody) (domain.KeyEvent, error) {
	sn, err := parseSN(rb.S)
	if err != nil {
		return domain.KeyEvent{}, err
	}
	if rb.I == "" || rb.D == "" {
		return domain.KeyEvent{}, fmt.Errorf("%w: event without identifier or digest", errMalformed)
	}
	return domain.KeyEvent{
		Prefix:     domain.Prefix(rb.I),
		SN:         sn,
		Ilk:        domain.Ilk(rb.T),
		Digest:     rb.D,
		Prior:      rb.P,
		Threshold:  rb.Kt,
		Keys:       rb.K,
		NextDigest: rb.N,
		Backers:    rb.B,
		Cuts:       rb.Br,
		Adds:       rb.Ba,
	}, nil
}

// Codec adapts the package functions to the witness engine.
type Codec struct{}

func (Codec) Decode(stream []byte) ([]domain.Message, []byte, error) {
	return Decode(stream)
}

func (Codec) ReceiptBody(r domain.Receipt) ([]byte, error) {
	return ReceiptBody(r)
}

func (Codec) AttachCouples(body []byte, couples []domain.Couple) ([]byte, error) {
	return AttachCouples(body, couples)
}

func (Codec) ReplyBody(eid domain.Prefix, scheme, url string, at time.Time) ([]byte, domain.Reply, error) {
	return ReplyBody(eid, scheme, url, at)
}

func (Codec) ParsePrefix(text string) (domain.Prefix, error) {
	return ParsePrefix(text)
}

func awaitingAttachments(msg domain.Message) bool {
	ev, ok := msg.(*domain.SignedEvent)
	return ok && len(ev.Signatures) == 0 && len(ev.WitnessSignatures) == 0
}

// rejectDuplicateKeys fails when any object in body repeats a key. encoding/json
// keeps the last duplicate while the SAID check reads the first, so such bodies
// never reach either.
func rejectDuplicateKeys(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := walkValue(dec); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after body")
	}
	return nil
}

func walkValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return err
			}
			key, _ := keyTok.(string)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("duplicate key %q", key)
			}
			seen[key] = struct{}{}
			if err := walkValue(dec); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := walkValue(dec); err != nil {
				return err
			}
		}
	}
	_, err = dec.Token()
	return err
}
