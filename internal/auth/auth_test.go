package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-screening/veritas/internal/auth"
	"github.com/veritas-screening/veritas/internal/model"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := auth.NewSealer("raw-payload-secret")
	require.NoError(t, err)
	require.NotNil(t, s)

	sealed, err := s.Seal([]byte(`<xml>raw provider response</xml>`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "raw provider response")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `<xml>raw provider response</xml>`, string(plain))
}

func TestSealerEmptySecretDisabled(t *testing.T) {
	s, err := auth.NewSealer("")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSealerRejectsTampering(t *testing.T) {
	s, err := auth.NewSealer("raw-payload-secret")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = s.Open(sealed)
	assert.Error(t, err)
}

func testTask() model.ReviewTask {
	return model.ReviewTask{
		ID:              uuid.New(),
		InvestigationID: uuid.New(),
		Kind:            model.ReviewAmbiguousMatch,
		Subject:         uuid.New(),
		Status:          model.ReviewPending,
	}
}

func TestIssueAndValidateReviewToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	task := testTask()
	token, expiresAt, err := mgr.IssueReviewToken(task, model.ReviewInvestigator, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, task.ID, claims.ReviewTaskID)
	assert.Equal(t, task.InvestigationID, claims.InvestigationID)
	assert.Equal(t, model.ReviewAmbiguousMatch, claims.Kind)
	assert.Equal(t, model.ReviewInvestigator, claims.Role)
	assert.Equal(t, task.ID.String(), claims.Subject)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "not-veritas",
			Audience:  jwt.ClaimStrings{"veritas-review"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		ReviewTaskID: uuid.New(),
		Role:         model.ReviewInvestigator,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_EmptyIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "",
			Audience:  jwt.ClaimStrings{"veritas-review"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		ReviewTaskID: uuid.New(),
		Role:         model.ReviewInvestigator,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestIssueReviewToken_TTLCapping(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 24*time.Hour)
	require.NoError(t, err)
	task := testTask()

	t.Run("TTL is capped at MaxReviewTokenTTL", func(t *testing.T) {
		token, expiresAt, err := mgr.IssueReviewToken(task, model.ReviewAnalyst, 72*time.Hour)
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.True(t, expiresAt.Before(time.Now().Add(auth.MaxReviewTokenTTL+time.Minute)),
			"expiry should be capped at MaxReviewTokenTTL")
	})

	t.Run("zero TTL defaults to the manager's configured expiration", func(t *testing.T) {
		token, expiresAt, err := mgr.IssueReviewToken(task, model.ReviewAnalyst, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.True(t, expiresAt.After(time.Now()))
	})

	t.Run("token is valid and passes ValidateToken", func(t *testing.T) {
		token, _, err := mgr.IssueReviewToken(task, model.ReviewAnalyst, 5*time.Minute)
		require.NoError(t, err)
		claims, err := mgr.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, task.ID.String(), claims.Subject)
		assert.Equal(t, "veritas-review", claims.Issuer)
	})
}

func TestValidateToken_MalformedSubject(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "not-a-uuid",
			Issuer:    "veritas-review",
			Audience:  jwt.ClaimStrings{"veritas-review"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		ReviewTaskID: uuid.New(),
		Role:         model.ReviewInvestigator,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subject")
}
