package domain

type MessageKind int

const (
	KindEvent MessageKind = iota + 1
	KindReceipt
	KindReply
)

func (k MessageKind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindReceipt:
		return "receipt"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Message is the closed set of decoded stream messages: *SignedEvent, *SignedReceipt
// and *SignedReply.
type Message interface {
	Kind() MessageKind
	sealed()
}

func (*SignedEvent) Kind() MessageKind   { return KindEvent }
func (*SignedReceipt) Kind() MessageKind { return KindReceipt }
func (*SignedReply) Kind() MessageKind   { return KindReply }

func (*SignedEvent) sealed()   {}
func (*SignedReceipt) sealed() {}
func (*SignedReply) sealed()   {}
