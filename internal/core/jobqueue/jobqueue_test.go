package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

func TestSignerRoundTrip(t *testing.T) {
	s, err := NewSigner("secret", time.Hour)
	require.NoError(t, err)

	token, err := s.Sign(core.JobDescriptor{DocumentID: "doc-1", Generation: 3, Delivery: 1})
	require.NoError(t, err)

	job, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, core.JobDescriptor{DocumentID: "doc-1", Generation: 3, Delivery: 1}, job)
}

func TestSignerRejectsForeignSecret(t *testing.T) {
	a, _ := NewSigner("a", 0)
	b, _ := NewSigner("b", 0)
	token, err := a.Sign(core.JobDescriptor{DocumentID: "doc-1", Generation: 1})
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
	_, err = a.Verify(token + "x")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestSignerRejectsExpiredAndIncomplete(t *testing.T) {
	s, _ := NewSigner("secret", time.Minute)
	token, err := s.Sign(core.JobDescriptor{DocumentID: "doc-1", Generation: 1})
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	s.now = time.Now
	token, err = s.Sign(core.JobDescriptor{DocumentID: "doc-1"})
	require.NoError(t, err)
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestSignerRejectsOtherAlgorithms(t *testing.T) {
	s, _ := NewSigner("secret", 0)
	claims := jwt.MapClaims{"iss": envelopeIssuer, "sub": "doc-1", "gen": 1}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestNewSignerRequiresSecret(t *testing.T) {
	_, err := NewSigner("", 0)
	assert.Error(t, err)
}

func TestInlineQueueDispatches(t *testing.T) {
	s, _ := NewSigner("secret", 0)
	q := NewInlineQueue(s, logger.Nop())

	err := q.Publish(context.Background(), core.JobDescriptor{DocumentID: "doc-1", Generation: 1})
	require.Error(t, err)

	var got core.JobDescriptor
	q.SetHandler(func(_ context.Context, job core.JobDescriptor) error {
		got = job
		return nil
	})
	require.NoError(t, q.Publish(context.Background(), core.JobDescriptor{DocumentID: "doc-1", Generation: 2}))
	assert.Equal(t, core.JobDescriptor{DocumentID: "doc-1", Generation: 2, Delivery: 1}, got)

	boom := errors.New("pool closed")
	q.SetHandler(func(context.Context, core.JobDescriptor) error { return boom })
	assert.ErrorIs(t, q.Publish(context.Background(), core.JobDescriptor{DocumentID: "doc-1", Generation: 2}), boom)
}

func TestNextAction(t *testing.T) {
	boom := errors.New("db down")
	assert.Equal(t, actionAck, nextAction(core.JobDescriptor{Delivery: 3}, nil, 3))
	assert.Equal(t, actionRetry, nextAction(core.JobDescriptor{Delivery: 1}, boom, 3))
	assert.Equal(t, actionRetry, nextAction(core.JobDescriptor{Delivery: 2}, boom, 3))
	assert.Equal(t, actionDeadLetter, nextAction(core.JobDescriptor{Delivery: 3}, boom, 3))
}
