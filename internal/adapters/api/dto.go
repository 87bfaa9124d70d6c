package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/poyrazK/cardgate/internal/core/domain"
)

const maxBodyBytes = 64 << 10

const (
	StatusOK   = "OK"
	StatusFail = "FAIL"
)

// VerifyCardRequest is the reader's counter-MAC proof.
type VerifyCardRequest struct {
	CardID string `json:"cardId"`
	Ctr    string `json:"ctr"`
	Tag    string `json:"tag"`
}

type VerifyQRRequest struct {
	QRCode string `json:"qrCode" validate:"required,max=4096"`
}

type CreateCardRequest struct {
	Owner      string `json:"owner" validate:"required,max=128"`
	TTLSeconds *int64 `json:"ttlSeconds,omitempty" validate:"omitempty,gte=1"`
	Role       string `json:"role,omitempty" validate:"omitempty,cardrole"`
}

type AttestVerifyRequest struct {
	Challenge string `json:"challenge" validate:"required,max=256"`
	Signature string `json:"signature" validate:"required,max=1024"`
}

type RegisterReaderRequest struct {
	ReaderID  string `json:"readerId" validate:"required,readerid"`
	Name      string `json:"name,omitempty" validate:"max=128"`
	PublicKey string `json:"publicKey" validate:"required"`
}

// StatusResponse is the collapsed decision returned to readers.
type StatusResponse struct {
	Status  string `json:"status"`
	CardID  string `json:"cardId,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CardResponse struct {
	Status    string          `json:"status"`
	CardID    string          `json:"cardId"`
	Owner     string          `json:"owner"`
	Role      domain.CardRole `json:"role"`
	Active    bool            `json:"active"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type ChallengeResponse struct {
	Challenge string    `json:"challenge"`
	ReaderID  string    `json:"readerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type AttestResponse struct {
	Status     string     `json:"status"`
	ReaderID   string     `json:"readerId,omitempty"`
	AttestedAt *time.Time `json:"attestedAt,omitempty"`
	Token      string     `json:"token,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type AttestStatusResponse struct {
	ReaderID   string     `json:"readerId"`
	Attested   bool       `json:"attested"`
	AttestedAt *time.Time `json:"attestedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type QRResponse struct {
	Status string `json:"status"`
	CardID string `json:"cardId"`
	QRCode string `json:"qrCode"`
}

type ErrorResponse struct {
	Status string            `json:"status"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

var readerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// NewValidator builds the request validator with the cardgate-specific rules.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cardrole", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseCardRole(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("readerid", func(fl validator.FieldLevel) bool {
		return readerIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func translateValidationErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			out[field] = field + " is required"
		case "max":
			out[field] = fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		case "gte":
			out[field] = fmt.Sprintf("%s must be at least %s", field, e.Param())
		case "cardrole":
			out[field] = field + " must be one of admin, permanent, temporary, guest"
		case "readerid":
			out[field] = field + " must be 1-64 characters of letters, digits, '.', '_' or '-'"
		default:
			out[field] = field + " is invalid"
		}
	}
	return out
}

// decodeBody reads a JSON body into dst and validates it. It writes the 400 response
// itself and reports false on failure.
func (h *APIHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Status: StatusFail, Error: "invalid request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Status: StatusFail,
				Error:  "validation failed",
				Fields: translateValidationErrors(verrs),
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Status: StatusFail, Error: err.Error()})
		return false
	}
	return true
}
