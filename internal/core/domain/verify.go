package domain

import "time"

// VerifyRequest is one card verification attempt as received from a reader.
type VerifyRequest struct {
	CardID      string
	Ctr         string
	Tag         string
	ReaderID    string
	ReaderToken string
	AccessType  AccessType
}

// QRVerifyRequest carries a scanned QR payload.
type QRVerifyRequest struct {
	QRCode      string
	ReaderID    string
	ReaderToken string
}

// VerifyResult is the outcome returned to the reader.
type VerifyResult struct {
	Granted    bool
	Reason     Reason
	CardID     string
	Owner      string
	Role       CardRole
	Counter    *uint64
	AccessType AccessType
	Elapsed    time.Duration
}

// IssueRequest describes a card to provision. A nil TTLSeconds applies the role default.
type IssueRequest struct {
	Owner      string
	TTLSeconds *int64
	Role       string
}

// IssuedCard is returned once at issuance. Secret is only exposed to provisioning tools.
type IssuedCard struct {
	Card   CardSummary
	Secret []byte
}

// SimulatedProof is the next valid proof for a card, produced by the development simulator.
type SimulatedProof struct {
	CardID  string `json:"cardId"`
	Ctr     string `json:"ctr"`
	Tag     string `json:"tag"`
	Counter uint64 `json:"counter"`
}
