package validator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Supported signature algorithms.
const (
	AlgorithmECDSAP256 = "ecdsa-p256"
	AlgorithmSecp256k1 = "secp256k1"
)

// Signer holds one private key. Implementations must be safe for concurrent use.
type Signer interface {
	// Sign hashes data with the algorithm's digest and signs the result
	Sign(ctx context.Context, data []byte) ([]byte, error)
	PublicKey() []byte
	Algorithm() string
}

// Verify checks sig over data against pub for the named algorithm. Unknown
// algorithms and malformed keys or signatures verify as false.
func Verify(algorithm string, data, sig, pub []byte) bool {
	switch normalizeAlgorithm(algorithm) {
	case AlgorithmECDSAP256:
		return verifyP256(data, sig, pub)
	case AlgorithmSecp256k1:
		return verifySecp256k1(data, sig, pub)
	default:
		return false
	}
}

func normalizeAlgorithm(algorithm string) string {
	a := strings.ToLower(strings.TrimSpace(algorithm))
	if a == "" {
		return AlgorithmECDSAP256
	}
	return a
}

// NewSignerFromHex loads a signer from a hex encoded private scalar.
func NewSignerFromHex(algorithm, privHex string) (Signer, error) {
	privHex = strings.TrimPrefix(strings.TrimSpace(privHex), "0x")
	switch normalizeAlgorithm(algorithm) {
	case AlgorithmECDSAP256:
		return NewECDSAP256SignerFromHex(privHex)
	case AlgorithmSecp256k1:
		return NewSecp256k1SignerFromHex(privHex)
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
}

// GenerateSigner creates a fresh key and returns the signer with its private
// scalar in hex.
func GenerateSigner(algorithm string) (Signer, string, error) {
	switch normalizeAlgorithm(algorithm) {
	case AlgorithmECDSAP256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to generate p256 key")
		}
		s := &ECDSAP256Signer{key: key}
		return s, s.exportHex(), nil
	case AlgorithmSecp256k1:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to generate secp256k1 key")
		}
		s := &Secp256k1Signer{key: key}
		return s, hex.EncodeToString(crypto.FromECDSA(key)), nil
	default:
		return nil, "", fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
}

// ECDSAP256Signer signs SHA-256 digests on NIST P-256 and emits ASN.1 DER
// signatures. Public keys are SEC1 compressed.
type ECDSAP256Signer struct {
	key *ecdsa.PrivateKey
}

var _ Signer = (*ECDSAP256Signer)(nil)

func NewECDSAP256SignerFromHex(privHex string) (*ECDSAP256Signer, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key hex")
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("private key out of range for p256")
	}
	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)
	return &ECDSAP256Signer{key: key}, nil
}

func (s *ECDSAP256Signer) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, s.key, digest[:])
}

func (s *ECDSAP256Signer) PublicKey() []byte {
	return elliptic.MarshalCompressed(s.key.Curve, s.key.X, s.key.Y)
}

func (s *ECDSAP256Signer) Algorithm() string { return AlgorithmECDSAP256 }

func (s *ECDSAP256Signer) exportHex() string {
	return hex.EncodeToString(s.key.D.FillBytes(make([]byte, 32)))
}

func verifyP256(data, sig, pub []byte) bool {
	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, pub)
	if x == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(&ecdsa.PublicKey{Curve: curve, X: x, Y: y}, digest[:], sig)
}

// Secp256k1Signer signs Keccak-256 digests with 65 byte [R || S || V]
// signatures. Public keys are uncompressed.
type Secp256k1Signer struct {
	key *ecdsa.PrivateKey
}

var _ Signer = (*Secp256k1Signer)(nil)

func NewSecp256k1SignerFromHex(privHex string) (*Secp256k1Signer, error) {
	key, err := crypto.HexToECDSA(privHex)
	if err != nil {
		return nil, errors.Wrap(err, "invalid secp256k1 private key")
	}
	return &Secp256k1Signer{key: key}, nil
}

func (s *Secp256k1Signer) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return crypto.Sign(crypto.Keccak256(data), s.key)
}

func (s *Secp256k1Signer) PublicKey() []byte {
	return crypto.FromECDSAPub(&s.key.PublicKey)
}

func (s *Secp256k1Signer) Algorithm() string { return AlgorithmSecp256k1 }

// Address is the EVM address of the key, handy when the validator also pays gas.
func (s *Secp256k1Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func verifySecp256k1(data, sig, pub []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	// VerifySignature wants [R || S] without the recovery id
	return crypto.VerifySignature(pub, crypto.Keccak256(data), sig[:64])
}
