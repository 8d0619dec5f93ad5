package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrParse             = errors.New("stream can't be parsed")
	ErrEncoding          = errors.New("encoding failed")
	ErrSigning           = errors.New("signing failed")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidPrefix     = errors.New("invalid identifier prefix")
	ErrInvalidDigest     = errors.New("event digest mismatch")
	ErrInvalidKey        = errors.New("invalid signing key")
	ErrMissingSignatures = errors.New("missing signatures")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrThresholdNotMet   = errors.New("signature threshold not met")
	ErrOutOfOrder        = errors.New("out of order event")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrDuplicitousEvent  = errors.New("duplicitous event")
	ErrUnknownEvent      = errors.New("receipted event not found")
	ErrStaleReply        = errors.New("stale reply")
	ErrUnsupported       = errors.New("unsupported message")
	ErrAdmissionDenied   = errors.New("admission denied")
)

// ParseError reports input that could not be framed into any message.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return ErrParse.Error()
	}
	return ErrParse.Error() + ": " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// ProcessingError is a per-message rejection. Identifier and SN are taken from the
// message before validation so they are set even when the store refused it.
type ProcessingError struct {
	Identifier Prefix
	SN         uint64
	Reason     string
	Err        error
}

func NewProcessingError(id Prefix, sn uint64, err error) *ProcessingError {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &ProcessingError{Identifier: id, SN: sn, Reason: reason, Err: err}
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing error for %s at sn %d: %s", e.Identifier, e.SN, e.Reason)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
