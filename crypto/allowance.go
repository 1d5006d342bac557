package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// CompressedKeyLength is the size of a SEC1 compressed secp256k1 point.
	CompressedKeyLength = 33
	// SignatureLength is the size of an r||s signature without recovery id.
	SignatureLength = 64
)

var (
	// ErrInvalidPublicKey marks a signer key that cannot be decoded or parsed.
	ErrInvalidPublicKey = errors.New("allowance: invalid public key")
	// ErrInvalidSignature marks a signature that is not 64 hex-encoded bytes.
	ErrInvalidSignature = errors.New("allowance: invalid signature")
)

// AllowanceMessage returns the payload an allowance signer commits to.
func AllowanceMessage(buyer string, permitted uint32) string {
	return buyer + ":" + strconv.FormatUint(uint64(permitted), 10)
}

// AllowanceDigest hashes the payload the same way transaction identifiers are
// hashed, so allowances signed by existing tooling keep verifying.
func AllowanceDigest(message string) []byte {
	return crypto.Keccak256([]byte(message))
}

// VerifyAllowance checks signature against keccak256(message) for the hex
// encoded compressed public key. A mismatch returns false with a nil error;
// malformed encodings return ErrInvalidPublicKey or ErrInvalidSignature.
func VerifyAllowance(publicKeyHex, signatureHex, message string) (bool, error) {
	pk, err := hex.DecodeString(trimHexPrefix(publicKeyHex))
	if err != nil {
		return false, fmt.Errorf("%w: hex: %v", ErrInvalidPublicKey, err)
	}
	if len(pk) != CompressedKeyLength {
		return false, fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(pk))
	}
	if _, err := crypto.DecompressPubkey(pk); err != nil {
		return false, fmt.Errorf("%w: parse: %v", ErrInvalidPublicKey, err)
	}
	sig, err := hex.DecodeString(trimHexPrefix(signatureHex))
	if err != nil {
		return false, fmt.Errorf("%w: hex: %v", ErrInvalidSignature, err)
	}
	if len(sig) != SignatureLength {
		return false, fmt.Errorf("%w: size %d", ErrInvalidSignature, len(sig))
	}
	return crypto.VerifySignature(pk, AllowanceDigest(message), lowS(sig)), nil
}

var (
	curveOrder     = crypto.S256().Params().N
	curveHalfOrder = new(big.Int).Rsh(curveOrder, 1)
)

// lowS rewrites a high-S signature as its equivalent (r, N-s) form, which is
// the only form VerifySignature accepts.
func lowS(sig []byte) []byte {
	s := new(big.Int).SetBytes(sig[32:SignatureLength])
	if s.Cmp(curveHalfOrder) <= 0 || s.Cmp(curveOrder) >= 0 {
		return sig
	}
	out := make([]byte, SignatureLength)
	copy(out, sig[:32])
	new(big.Int).Sub(curveOrder, s).FillBytes(out[32:])
	return out
}

// SignAllowance produces the hex r||s signature over the allowance for buyer.
func SignAllowance(key *PrivateKey, buyer string, permitted uint32) (string, error) {
	if key == nil || key.PrivateKey == nil {
		return "", errors.New("allowance: nil signer key")
	}
	sig, err := crypto.Sign(AllowanceDigest(AllowanceMessage(buyer, permitted)), key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("allowance: sign: %w", err)
	}
	return hex.EncodeToString(sig[:SignatureLength]), nil
}

func trimHexPrefix(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}
