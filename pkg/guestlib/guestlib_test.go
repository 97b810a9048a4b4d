package guestlib

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader(t *testing.T) {
	doc := []byte(`{
		"user_data": {"date_of_birth": "2000-02-29", "quantity": 150, "tags": ["a", "b"]},
		"flag": true,
		"delta": -5,
		"sig": "0x0a0b",
		"blob": "` + base64.StdEncoding.EncodeToString([]byte("hi!")) + `"
	}`)

	t.Run("reads typed values by dotted path", func(t *testing.T) {
		r := NewReader(doc)
		assert.Equal(t, "2000-02-29", r.String("user_data.date_of_birth"))
		assert.Equal(t, uint64(150), r.U32("user_data.quantity"))
		assert.Equal(t, []string{"a", "b"}, r.Strings("user_data.tags"))
		assert.True(t, r.Bool("flag"))
		assert.Equal(t, int64(-5), r.I32("delta"))
		assert.Equal(t, []byte{0x0a, 0x0b}, r.Bytes("sig"))
		assert.Equal(t, []byte("hi!"), r.Bytes("blob"))
		require.NoError(t, r.Err())
	})

	t.Run("missing field is recorded", func(t *testing.T) {
		r := NewReader(doc)
		r.U64("user_data.missing")
		require.Error(t, r.Err())
		assert.Contains(t, r.Err().Error(), "user_data.missing")
	})

	t.Run("negative value for unsigned field is recorded", func(t *testing.T) {
		r := NewReader(doc)
		r.U64("delta")
		assert.Error(t, r.Err())
	})

	t.Run("type mismatch keeps first error", func(t *testing.T) {
		r := NewReader(doc)
		r.Bool("user_data.quantity")
		r.String("flag")
		assert.Contains(t, FirstErr(r), "user_data.quantity")
	})

	t.Run("non-object document", func(t *testing.T) {
		assert.NotEmpty(t, FirstErr(NewReader([]byte(`[1,2]`))))
		assert.Empty(t, FirstErr(NewReader(nil)))
	})
}

func TestAge(t *testing.T) {
	assert.Equal(t, int64(17), AgeOn("2008-06-15", "2026-06-14"))
	assert.Equal(t, int64(18), AgeOn("2008-06-15", "2026-06-15"))
	assert.Equal(t, int64(-1), AgeOn("not-a-date", "2026-06-15"))
	assert.Equal(t, int64(-1), AgeOn("2030-01-01", "2026-06-15"))

	assert.False(t, AgeAtLeast("2009-01-01", "2026-06-15", 18))
	assert.True(t, AgeAtLeast("2007-01-01", "2026-06-15", 18))
	assert.False(t, AgeAtLeast("garbage", "2026-06-15", 0))
}

func TestSetPredicates(t *testing.T) {
	assert.True(t, ContainsString([]string{"x", "y"}, "y"))
	assert.False(t, ContainsUint64([]uint64{1, 2}, 3))
	assert.True(t, IntersectsString([]string{"a", "b"}, []string{"c", "b"}))
	assert.False(t, IntersectsUint64([]uint64{1}, nil))
}

func TestMessageFraming(t *testing.T) {
	assert.NotEqual(t,
		Message([]byte("ab"), []byte("c")),
		Message([]byte("a"), []byte("bc")),
		"field boundaries must be part of the signed message")
}

func TestVerifySignature(t *testing.T) {
	msg := Message(StringBytes("order-42"), Uint64Bytes(150))

	t.Run("ed25519", func(t *testing.T) {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		sig := ed25519.Sign(priv, msg)
		assert.True(t, VerifySignature(AlgEd25519, pub, msg, sig))
		assert.False(t, VerifySignature(AlgEd25519, pub, []byte("tampered"), sig))
	})

	t.Run("ecdsa p256", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		require.NoError(t, err)
		digest := sha256.Sum256(msg)
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		require.NoError(t, err)
		assert.True(t, VerifySignature(AlgECDSA, der, msg, sig))
	})

	t.Run("rsa pkcs1v15", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		require.NoError(t, err)
		digest := sha256.Sum256(msg)
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		require.NoError(t, err)
		assert.True(t, VerifySignature(AlgRSA, der, msg, sig))
	})

	t.Run("secp256k1", func(t *testing.T) {
		key, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		sig, err := ethcrypto.Sign(ethcrypto.Keccak256(msg), key)
		require.NoError(t, err)
		pub := ethcrypto.FromECDSAPub(&key.PublicKey)
		assert.True(t, VerifySignature(AlgSecp256k1, pub, msg, sig))
		assert.True(t, VerifySignature(AlgSecp256k1, ethcrypto.CompressPubkey(&key.PublicKey), msg, sig[:64]))
	})

	t.Run("unknown algorithm and garbage keys fail closed", func(t *testing.T) {
		assert.False(t, VerifySignature("dsa", []byte("k"), msg, []byte("s")))
		assert.False(t, VerifySignature(AlgECDSA, []byte("not a key"), msg, []byte("s")))
	})
}

func TestMetadataIsSorted(t *testing.T) {
	m := NewMetadata("shipping", "2026-01-01")
	m.Set("zeta", 1)
	m.Set("alpha", "x")
	assert.Equal(t, `{"alpha":"x","as_of":"2026-01-01","use_case":"shipping","zeta":1}`, string(m.Bytes()))
}
