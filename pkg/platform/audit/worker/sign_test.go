package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "auditrail/pkg/platform/audit"
)

func signedRecord(t *testing.T) audit.Record {
	t.Helper()
	e, err := audit.NewEntityEvent(audit.EventEntityUpdated, "beneficio", &audit.EntityChange{
		PreviousData:  map[string]any{"valor": 600},
		NewData:       map[string]any{"valor": 650},
		ChangedFields: []string{"valor"},
	}, audit.WithEntityID("b-9"), audit.WithUserID("gestor-1"))
	require.NoError(t, err)
	rec, err := audit.NewRecord(e)
	require.NoError(t, err)
	return rec
}

func TestJWTSigner(t *testing.T) {
	signer := NewJWTSigner("k1", "auditrail")

	t.Run("signature verifies while content is unchanged", func(t *testing.T) {
		rec := signedRecord(t)
		sig, err := signer.Sign(rec)
		require.NoError(t, err)

		rec.Metadata["signatureFallback"] = false
		assert.NoError(t, signer.Verify(rec, sig))
	})

	t.Run("tampered content is rejected", func(t *testing.T) {
		rec := signedRecord(t)
		sig, err := signer.Sign(rec)
		require.NoError(t, err)

		rec.NewData = []byte(`{"valor":6500}`)
		assert.ErrorIs(t, signer.Verify(rec, sig), ErrSignatureInvalid)
	})

	t.Run("a signature for another record is rejected", func(t *testing.T) {
		a, b := signedRecord(t), signedRecord(t)
		sig, err := signer.Sign(a)
		require.NoError(t, err)

		assert.ErrorIs(t, signer.Verify(b, sig), ErrSignatureInvalid)
	})

	t.Run("another key is rejected", func(t *testing.T) {
		rec := signedRecord(t)
		sig, err := NewJWTSigner("k2", "auditrail").Sign(rec)
		require.NoError(t, err)

		assert.ErrorIs(t, signer.Verify(rec, sig), ErrSignatureInvalid)
	})

	t.Run("an empty key cannot sign", func(t *testing.T) {
		_, err := NewJWTSigner("", "auditrail").Sign(signedRecord(t))
		assert.ErrorIs(t, err, ErrNoSigningKey)
	})
}

func TestChecksum(t *testing.T) {
	rec := signedRecord(t)
	a, err := Checksum(rec)
	require.NoError(t, err)
	assert.Len(t, a, 64)

	rec.Metadata["processing"] = map[string]any{"attempt": 2}
	b, err := Checksum(rec)
	require.NoError(t, err)
	assert.Equal(t, a, b, "metadata is not covered")

	rec.UserID = "someone-else"
	c, err := Checksum(rec)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
