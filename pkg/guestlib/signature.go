package guestlib

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Supported signature algorithms.
const (
	AlgEd25519   = "ed25519"
	AlgECDSA     = "ecdsa"
	AlgRSA       = "rsa"
	AlgSecp256k1 = "secp256k1"
)

// Algorithms lists the accepted algorithm names.
var Algorithms = []string{AlgECDSA, AlgEd25519, AlgRSA, AlgSecp256k1}

// VerifySignature checks sig over msg with key. Malformed keys or signatures verify false.
//
//   - ed25519: raw 32-byte key or PKIX; 64-byte signature
//   - ecdsa: P-256 PKIX key (DER or PEM); ASN.1 signature over SHA-256
//   - rsa: PKIX key (DER or PEM); PKCS#1 v1.5 over SHA-256
//   - secp256k1: 33 or 65 byte public key; 64 or 65 byte [R||S||V] over Keccak-256
func VerifySignature(alg string, key, msg, sig []byte) bool {
	switch alg {
	case AlgEd25519:
		pub := ed25519Key(key)
		return pub != nil && len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, msg, sig)
	case AlgECDSA:
		pub, ok := pkixKey(key).(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	case AlgRSA:
		pub, ok := pkixKey(key).(*rsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	case AlgSecp256k1:
		if len(sig) == 65 {
			sig = sig[:64]
		}
		if len(sig) != 64 || (len(key) != 33 && len(key) != 65) {
			return false
		}
		return ethcrypto.VerifySignature(key, ethcrypto.Keccak256(msg), sig)
	default:
		return false
	}
}

func ed25519Key(key []byte) ed25519.PublicKey {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key)
	}
	if pub, ok := pkixKey(key).(ed25519.PublicKey); ok {
		return pub
	}
	return nil
}

func pkixKey(key []byte) any {
	if block, _ := pem.Decode(key); block != nil {
		key = block.Bytes
	}
	pub, err := x509.ParsePKIXPublicKey(key)
	if err != nil {
		return nil
	}
	return pub
}
