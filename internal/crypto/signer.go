package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// Request authentication headers.
const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Signer produces EIP-191 personal signatures with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignPersonal signs msg with the "\x19Ethereum Signed Message:\n" prefix and
// returns the 65-byte signature with v in {27,28}.
func (s *Signer) SignPersonal(msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignRequest signs an API request and returns the headers to attach to it.
func (s *Signer) SignRequest(method, path string, body []byte, at time.Time) (map[string]string, error) {
	ts := at.Unix()
	sig, err := s.SignPersonal(RequestMessage(method, path, ts, body))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderCaller:    s.address.Hex(),
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: "0x" + hex.EncodeToString(sig),
	}, nil
}

// RequestMessage is the text a caller signs for one request:
//
//	METHOD\n/path\nunix-seconds\nkeccak256(body) as 0x-hex
func RequestMessage(method, path string, ts int64, body []byte) []byte {
	return fmt.Appendf(nil, "%s\n%s\n%d\n%s",
		strings.ToUpper(method), path, ts, common.BytesToHash(ethcrypto.Keccak256(body)).Hex())
}

// RecoverPersonal returns the address that produced sig over msg. Both
// v encodings ({0,1} and {27,28}) are accepted.
func RecoverPersonal(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature must be 65 bytes, got %d", len(sig))
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	if norm[64] > 1 {
		return common.Address{}, errors.New("crypto/signer: invalid recovery id")
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest checks that sigHex is caller's signature over the request and
// that ts lies within maxSkew of now. Failures wrap domain.ErrUnauthorized.
func VerifyRequest(caller common.Address, method, path string, ts int64, body []byte, sigHex string, now time.Time, maxSkew time.Duration) error {
	if maxSkew > 0 {
		d := now.Sub(time.Unix(ts, 0))
		if d < 0 {
			d = -d
		}
		if d > maxSkew {
			return fmt.Errorf("%w: request timestamp outside %s window", domain.ErrUnauthorized, maxSkew)
		}
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", domain.ErrUnauthorized)
	}
	got, err := RecoverPersonal(RequestMessage(method, path, ts, body), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if got != caller {
		return fmt.Errorf("%w: signature by %s, caller %s", domain.ErrUnauthorized, got.Hex(), caller.Hex())
	}
	return nil
}
