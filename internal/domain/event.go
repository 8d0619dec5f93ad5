package domain

import "strconv"

// Prefix is the canonical qb64 text form of a self-certifying identifier.
type Prefix string

func (p Prefix) String() string {
	return string(p)
}

type Ilk string

const (
	IlkInception   Ilk = "icp"
	IlkRotation    Ilk = "rot"
	IlkInteraction Ilk = "ixn"
	IlkReceipt     Ilk = "rct"
	IlkReply       Ilk = "rpy"
)

func (i Ilk) IsEstablishment() bool {
	return i == IlkInception || i == IlkRotation
}

type KeyEvent struct {
	Prefix     Prefix
	SN         uint64
	Ilk        Ilk
	Digest     string
	Prior      string
	Threshold  string
	Keys       []string
	NextDigest string
	Backers    []string
	Cuts       []string
	Adds       []string
}

type IndexedSignature struct {
	Index       int
	CurrentOnly bool
	Signature   []byte
}

// Couple is a non-transferable signer prefix paired with its signature.
type Couple struct {
	Signer    Prefix
	Signature []byte
}

type SignedEvent struct {
	Event             KeyEvent
	Body              []byte
	Signatures        []IndexedSignature
	WitnessSignatures []IndexedSignature
	Raw               []byte
}

func FormatSN(sn uint64) string {
	return strconv.FormatUint(sn, 16)
}
