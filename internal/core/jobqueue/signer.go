// Package jobqueue delivers ingestion jobs to workers as signed envelopes,
// either inline in the same process or through a Redis reliable list.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markdave123-py/contexta-rag/internal/core"
)

const envelopeIssuer = "contexta-jobs"

// ErrInvalidEnvelope is returned for envelopes that fail signature or claim checks.
var ErrInvalidEnvelope = errors.New("invalid job envelope")

// Handler processes one verified job. A nil return acknowledges it.
type Handler func(ctx context.Context, job core.JobDescriptor) error

type jobClaims struct {
	Generation int64 `json:"gen"`
	Delivery   int   `json:"delivery"`
	jwt.RegisteredClaims
}

// Signer seals job descriptors as HS256 tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a Signer. A ttl of zero produces envelopes that never expire.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("job signing secret is empty")
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (s *Signer) Sign(job core.JobDescriptor) (string, error) {
	now := s.now()
	claims := jobClaims{
		Generation: job.Generation,
		Delivery:   job.Delivery,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   envelopeIssuer,
			Subject:  job.DocumentID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign job: %w", err)
	}
	return tok, nil
}

func (s *Signer) Verify(token string) (core.JobDescriptor, error) {
	var claims jobClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(envelopeIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return core.JobDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if claims.Subject == "" || claims.Generation < 1 {
		return core.JobDescriptor{}, fmt.Errorf("%w: missing document or generation", ErrInvalidEnvelope)
	}
	return core.JobDescriptor{
		DocumentID: claims.Subject,
		Generation: claims.Generation,
		Delivery:   claims.Delivery,
	}, nil
}
