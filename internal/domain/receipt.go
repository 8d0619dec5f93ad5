package domain

// Receipt is the body of a non-transferable receipt: it names the receipted event by
// identifier, sequence number and digest.
type Receipt struct {
	Prefix Prefix
	SN     uint64
	Digest string
}

type SignedReceipt struct {
	Receipt Receipt
	Body    []byte
	Couples []Couple
	Raw     []byte
}

type Reply struct {
	Digest    string
	Timestamp string
	Route     string
	EID       Prefix
	Scheme    string
	URL       string
}

type SignedReply struct {
	Reply   Reply
	Body    []byte
	Couples []Couple
	Raw     []byte
}

const RouteLocationScheme = "/loc/scheme"

// DiscoveryProof is a signed location reply binding Subject to URL.
type DiscoveryProof struct {
	Subject   Prefix
	Scheme    string
	URL       string
	Digest    string
	Timestamp string
	Signature []byte
	Raw       []byte
}
