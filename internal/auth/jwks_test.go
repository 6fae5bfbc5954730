package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jwkFromKey(t *testing.T, kid string, key *rsa.PublicKey) jwk {
	t.Helper()
	return jwk{
		Kid: kid,
		Kty: "RSA",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func TestJWKSCacheKey(t *testing.T) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(jwksDocument{Keys: []jwk{
			jwkFromKey(t, "key-1", &private.PublicKey),
		}})
	}))
	defer server.Close()

	cache := NewJWKSCache(server.URL)

	got, err := cache.Key(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Zero(t, got.N.Cmp(private.PublicKey.N))
	assert.Equal(t, private.PublicKey.E, got.E)

	// Subsequent lookups hit the cache.
	_, err = cache.Key(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	// An unknown kid forces a refresh and still fails cleanly.
	_, err = cache.Key(context.Background(), "key-2")
	assert.Error(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestJWKSCacheEndpointDown(t *testing.T) {
	cache := NewJWKSCache("http://127.0.0.1:1")
	_, err := cache.Key(context.Background(), "key-1")
	assert.Error(t, err)
}

func TestParseRSAPublicKey(t *testing.T) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	n := base64.RawURLEncoding.EncodeToString(private.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(private.PublicKey.E)).Bytes())

	pub, err := parseRSAPublicKey(n, e)
	require.NoError(t, err)
	assert.Zero(t, pub.N.Cmp(private.PublicKey.N))
	assert.Equal(t, private.PublicKey.E, pub.E)

	_, err = parseRSAPublicKey("!!!", e)
	assert.Error(t, err)
	_, err = parseRSAPublicKey(n, "")
	assert.Error(t, err)
}
