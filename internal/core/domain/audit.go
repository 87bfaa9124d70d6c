package domain

import (
	"context"
	"time"
)

// EventType classifies audit events.
type EventType string

const (
	EventAccessGranted  EventType = "ACCESS_GRANTED"
	EventAccessDenied   EventType = "ACCESS_DENIED"
	EventCardCreated    EventType = "CARD_CREATED"
	EventCardRevoked    EventType = "CARD_REVOKED"
	EventCardExtended   EventType = "CARD_EXTENDED"
	EventQRGenerated    EventType = "QR_GENERATED"
	EventQRVerified     EventType = "QR_VERIFIED"
	EventReaderAttested EventType = "READER_ATTESTED"
	EventReaderRejected EventType = "READER_REJECTED"
	EventReaderAdded    EventType = "READER_REGISTERED"
)

// Category returns the reporting group of an event type.
func (t EventType) Category() EventCategory {
	switch t {
	case EventAccessGranted, EventAccessDenied, EventQRVerified:
		return CategoryAuthorization
	case EventReaderAttested:
		return CategoryAuthentication
	case EventReaderRejected:
		return CategorySecurity
	default:
		return CategoryAdministration
	}
}

// EventCategory groups event types for reporting.
type EventCategory string

const (
	CategoryAuthentication EventCategory = "AUTHENTICATION"
	CategoryAuthorization  EventCategory = "AUTHORIZATION"
	CategoryAdministration EventCategory = "ADMINISTRATION"
	CategorySecurity       EventCategory = "SECURITY"
)

// AccessType distinguishes the channel a verification came through.
type AccessType string

const (
	AccessCardVerification AccessType = "CARD_VERIFICATION"
	AccessQRScan           AccessType = "QR_SCAN"
	AccessAdmin            AccessType = "ADMIN_ACCESS"
)

// RequestMeta carries transport details recorded with each event.
type RequestMeta struct {
	IP        string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

type requestMetaKey struct{}

// WithRequestMeta attaches transport details to ctx for audit records.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom returns the transport details attached to ctx, if any.
func RequestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

// AuditEvent is an immutable, append-only record. Every verification attempt
// produces exactly one event.
type AuditEvent struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"eventType"`
	Category   EventCategory `json:"eventCategory"`
	AccessType AccessType    `json:"accessType,omitempty"`
	CardID     string        `json:"cardId,omitempty"`
	ReaderID   string        `json:"readerId,omitempty"`
	Owner      string        `json:"owner,omitempty"`
	Role       CardRole      `json:"role,omitempty"`
	Success    bool          `json:"success"`
	ErrorCode  Reason        `json:"errorCode,omitempty"`
	Message    string        `json:"message,omitempty"`
	Counter    *uint64       `json:"counter,omitempty"`
	ResponseMS int64         `json:"responseTimeMs"`
	RequestMeta
	CreatedAt time.Time `json:"timestamp"`
	// ChainID names the hash chain of one recorder; ChainSeq is the event's position
	// in it, starting at 1. PrevHash and Hash link consecutive positions.
	ChainID  string `json:"chainId,omitempty"`
	ChainSeq uint64 `json:"chainSeq,omitempty"`
	PrevHash string `json:"prevHash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	CardID   string
	ReaderID string
	Type     EventType
	Success  *bool
	Limit    int
}
