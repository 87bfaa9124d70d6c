package domain

import "errors"

// Reason is the machine-readable outcome code recorded for every rejected operation.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonCardInactive      Reason = "CardInactive"
	ReasonCardExpired       Reason = "CardExpired"
	ReasonReplayedCounter   Reason = "ReplayedCounter"
	ReasonTagMismatch       Reason = "TagMismatch"
	ReasonMalformedProof    Reason = "MalformedProof"
	ReasonCardNotFound      Reason = "CardNotFound"
	ReasonReaderNotAttested Reason = "ReaderNotAttested"
	ReasonChallengeExpired  Reason = "ChallengeExpired"
	ReasonChallengeNotFound Reason = "ChallengeNotFound"
	ReasonSignatureInvalid  Reason = "SignatureInvalid"
	ReasonUnknownReader     Reason = "UnknownReader"
	ReasonStoreUnavailable  Reason = "StoreUnavailable"
	ReasonTimeout           Reason = "Timeout"
	ReasonInvalidTTL        Reason = "InvalidTTL"
)

// Retryable reports whether the caller may retry the same proof later.
func (r Reason) Retryable() bool {
	return r == ReasonStoreUnavailable || r == ReasonTimeout
}

var (
	ErrCardNotFound      = errors.New("card not found")
	ErrCardExists        = errors.New("card already exists")
	ErrCardInactive      = errors.New("card inactive")
	ErrCardExpired       = errors.New("card expired")
	ErrInvalidTTL        = errors.New("invalid ttl")
	ErrInvalidRole       = errors.New("invalid card role")
	ErrInvalidOwner      = errors.New("invalid owner")
	ErrMalformedProof    = errors.New("malformed proof")
	ErrReaderNotAttested = errors.New("reader not attested")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrUnknownReader     = errors.New("unknown reader")
	ErrReaderExists      = errors.New("reader already registered")
	ErrInvalidPublicKey  = errors.New("invalid reader public key")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrTimeout           = errors.New("timeout")
)

var reasonByErr = []struct {
	err    error
	reason Reason
}{
	{ErrCardNotFound, ReasonCardNotFound},
	{ErrCardInactive, ReasonCardInactive},
	{ErrCardExpired, ReasonCardExpired},
	{ErrInvalidTTL, ReasonInvalidTTL},
	{ErrMalformedProof, ReasonMalformedProof},
	{ErrReaderNotAttested, ReasonReaderNotAttested},
	{ErrChallengeExpired, ReasonChallengeExpired},
	{ErrChallengeNotFound, ReasonChallengeNotFound},
	{ErrSignatureInvalid, ReasonSignatureInvalid},
	{ErrUnknownReader, ReasonUnknownReader},
	{ErrStoreUnavailable, ReasonStoreUnavailable},
	{ErrTimeout, ReasonTimeout},
}

// ReasonOf maps an error produced by the services to its Reason.
// Unrecognized errors map to ReasonStoreUnavailable.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	for _, m := range reasonByErr {
		if errors.Is(err, m.err) {
			return m.reason
		}
	}
	return ReasonStoreUnavailable
}
