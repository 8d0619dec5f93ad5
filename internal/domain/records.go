package domain

import "time"

// EventRecord is an accepted event together with the key state it establishes.
type EventRecord struct {
	Prefix     Prefix
	SN         uint64
	Ilk        Ilk
	Digest     string
	Prior      string
	Keys       []string
	Threshold  uint64
	BodySize   int
	Raw        []byte
	AcceptedAt time.Time
}

func (r EventRecord) Body() []byte {
	if r.BodySize <= 0 || r.BodySize > len(r.Raw) {
		return r.Raw
	}
	return r.Raw[:r.BodySize]
}

type ReceiptRecord struct {
	Prefix    Prefix
	SN        uint64
	Digest    string
	Witness   Prefix
	Signature []byte
	Raw       []byte
	CreatedAt time.Time
}

type LocationRecord struct {
	EID       Prefix
	Scheme    string
	URL       string
	Digest    string
	Timestamp string
	Raw       []byte
	UpdatedAt time.Time
}
