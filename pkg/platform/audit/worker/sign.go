package worker

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"

	audit "auditrail/pkg/platform/audit"
)

// Signature algorithms written to Record.SignatureAlgorithm.
const (
	AlgorithmJWS      = "JWS-HS256"
	AlgorithmChecksum = "BLAKE2b-256"
)

var (
	ErrNoSigningKey     = errors.New("audit signing key not configured")
	ErrSignatureInvalid = errors.New("audit record signature invalid")
)

// Signer produces a tamper-evidence signature for a record.
type Signer interface {
	Sign(rec audit.Record) (string, error)
	Algorithm() string
}

// signable is the canonical content covered by a signature. Metadata is
// excluded because the worker annotates it after signing.
type signable struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	OperationType string          `json:"operationType"`
	EntityName    string          `json:"entityName"`
	EntityID      string          `json:"entityId"`
	UserID        string          `json:"userId"`
	CorrelationID string          `json:"correlationId"`
	PreviousData  json.RawMessage `json:"previousData,omitempty"`
	NewData       json.RawMessage `json:"newData,omitempty"`
	Risk          string          `json:"riskLevel"`
	LGPDRelevant  bool            `json:"lgpdRelevant"`
	Timestamp     string          `json:"timestamp"`
}

// Digest returns the BLAKE2b-256 digest of the record's signed content.
func Digest(rec audit.Record) ([]byte, error) {
	content, err := json.Marshal(signable{
		EventID:       rec.EventID,
		EventType:     string(rec.EventType),
		OperationType: rec.OperationType,
		EntityName:    rec.EntityName,
		EntityID:      rec.EntityID,
		UserID:        rec.UserID,
		CorrelationID: rec.CorrelationID,
		PreviousData:  rec.PreviousData,
		NewData:       rec.NewData,
		Risk:          string(rec.Risk),
		LGPDRelevant:  rec.LGPDRelevant,
		Timestamp:     rec.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode signed content: %w", err)
	}
	sum := blake2b.Sum256(content)
	return sum[:], nil
}

// Checksum is the unsigned fallback: a hex BLAKE2b-256 digest.
func Checksum(rec audit.Record) (string, error) {
	d, err := Digest(rec)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

// recordClaims bind a JWS to one record.
type recordClaims struct {
	Digest string `json:"dig"`
	jwt.RegisteredClaims
}

// JWTSigner signs records as compact HS256 JWS tokens whose claims carry the
// record digest.
type JWTSigner struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewJWTSigner creates a JWTSigner.
func NewJWTSigner(key, issuer string) *JWTSigner {
	return &JWTSigner{key: []byte(key), issuer: issuer, now: time.Now}
}

// Algorithm implements Signer.
func (s *JWTSigner) Algorithm() string { return AlgorithmJWS }

// Sign implements Signer.
func (s *JWTSigner) Sign(rec audit.Record) (string, error) {
	if len(s.key) == 0 {
		return "", ErrNoSigningKey
	}
	d, err := Digest(rec)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, recordClaims{
		Digest: hex.EncodeToString(d),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       rec.EventID,
			Subject:  string(rec.EventType),
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign audit record: %w", err)
	}
	return signed, nil
}

// Verify checks that signature was issued by this signer for rec as it is
// now.
func (s *JWTSigner) Verify(rec audit.Record, signature string) error {
	parsed, err := jwt.ParseWithClaims(signature, &recordClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	claims, ok := parsed.Claims.(*recordClaims)
	if !ok || claims.ID != rec.EventID {
		return fmt.Errorf("%w: token does not belong to %s", ErrSignatureInvalid, rec.EventID)
	}
	d, err := Digest(rec)
	if err != nil {
		return err
	}
	if claims.Digest != hex.EncodeToString(d) {
		return fmt.Errorf("%w: content digest mismatch", ErrSignatureInvalid)
	}
	return nil
}
