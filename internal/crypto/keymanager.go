// Package crypto loads operator keys and produces and verifies the EIP-191
// request signatures used to authenticate callers of the settlement API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	sealVersion = 2
	kdfName     = "pbkdf2-sha256"

	// defaultIterations follows the OWASP floor for PBKDF2-HMAC-SHA256.
	defaultIterations = 480_000
	// maxIterations bounds the work a hostile key file can demand.
	maxIterations = 10_000_000
)

// ErrNoKey is returned by LoadKey when neither key source is configured.
var ErrNoKey = errors.New("crypto: no operator key configured")

// sealedKey is the on-disk form of an operator key. The address is stored in
// clear so an operator can tell files apart, and is checked after opening.
type sealedKey struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	KDF        string         `json:"kdf"`
	Iterations int            `json:"iterations"`
	Salt       hexutil.Bytes  `json:"salt"`
	Nonce      hexutil.Bytes  `json:"nonce"`
	Ciphertext hexutil.Bytes  `json:"ciphertext"`
}

// KeyConfig says where the keeper's operator key comes from: a raw hex key
// or a sealed key file plus its password. The raw key wins when both are set.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// Configured reports whether any key source is set.
func (c KeyConfig) Configured() bool {
	return c.RawPrivateKey != "" || c.EncryptedKeyPath != ""
}

func gcmFor(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptKey seals a hex private key under password with PBKDF2 and
// AES-256-GCM and returns the JSON file contents.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}

	sk := sealedKey{
		Version:    sealVersion,
		Address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		KDF:        kdfName,
		Iterations: defaultIterations,
		Salt:       make([]byte, 16),
	}
	if _, err := rand.Read(sk.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := gcmFor(password, sk.Salt, sk.Iterations)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	sk.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(sk.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	// The address is bound as associated data so it cannot be swapped.
	sk.Ciphertext = aead.Seal(nil, sk.Nonce, ethcrypto.FromECDSA(pk), sk.Address.Bytes())

	return json.MarshalIndent(sk, "", "  ")
}

// DecryptKey opens a file produced by EncryptKey and returns the private key
// as lowercase hex without a 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var sk sealedKey
	if err := json.Unmarshal(data, &sk); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	switch {
	case sk.Version != sealVersion:
		return "", fmt.Errorf("crypto: unsupported key file version %d", sk.Version)
	case sk.KDF != kdfName:
		return "", fmt.Errorf("crypto: unsupported kdf %q", sk.KDF)
	case sk.Iterations <= 0 || sk.Iterations > maxIterations:
		return "", fmt.Errorf("crypto: iteration count %d out of range", sk.Iterations)
	}

	aead, err := gcmFor(password, sk.Salt, sk.Iterations)
	if err != nil {
		return "", fmt.Errorf("crypto: cipher: %w", err)
	}
	if len(sk.Nonce) != aead.NonceSize() {
		return "", errors.New("crypto: malformed nonce")
	}
	raw, err := aead.Open(nil, sk.Nonce, sk.Ciphertext, sk.Address.Bytes())
	if err != nil {
		return "", errors.New("crypto: cannot open key file (wrong password or tampered file)")
	}
	pk, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return "", fmt.Errorf("crypto: sealed key is not a secp256k1 key: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(pk.PublicKey); got != sk.Address {
		return "", fmt.Errorf("crypto: key file address %s does not match key %s", sk.Address.Hex(), got.Hex())
	}
	return hexutil.Encode(raw)[2:], nil
}

// LoadKey resolves the operator key described by cfg.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if _, err := ethcrypto.HexToECDSA(k); err != nil {
			return "", fmt.Errorf("crypto: raw private key: %w", err)
		}
		return k, nil
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	}
	return "", ErrNoKey
}

// LoadSigner resolves the key described by cfg and wraps it in a Signer.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	k, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(k)
}
