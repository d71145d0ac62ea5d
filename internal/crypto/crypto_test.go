package crypto

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// Well-known development key (hardhat account #0).
const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddress), s.Address())

	_, err = NewSigner("0xzz")
	assert.Error(t, err)
}

func TestSignRecoverPersonal(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)

	msg := []byte("hello settlement")
	sig, err := s.SignPersonal(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := RecoverPersonal(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	// v in {0,1} is accepted too.
	alt := append([]byte(nil), sig...)
	alt[64] -= 27
	got, err = RecoverPersonal(msg, alt)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	_, err = RecoverPersonal(msg, sig[:64])
	assert.Error(t, err)
}

func TestVerifyRequest(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)

	now := time.Unix(1_767_225_600, 0)
	body := []byte(`{"amount":"100"}`)
	h, err := s.SignRequest("post", "/api/markets/0x01/split", body, now)
	require.NoError(t, err)
	ts, err := strconv.ParseInt(h[HeaderTimestamp], 10, 64)
	require.NoError(t, err)
	caller := common.HexToAddress(h[HeaderCaller])

	tests := []struct {
		name   string
		caller common.Address
		method string
		path   string
		body   []byte
		now    time.Time
		ok     bool
	}{
		{"valid", caller, "POST", "/api/markets/0x01/split", body, now, true},
		{"method is case-insensitive", caller, "post", "/api/markets/0x01/split", body, now, true},
		{"other path", caller, "POST", "/api/markets/0x02/split", body, now, false},
		{"other body", caller, "POST", "/api/markets/0x01/split", []byte(`{}`), now, false},
		{"other caller", common.HexToAddress("0x01"), "POST", "/api/markets/0x01/split", body, now, false},
		{"stale", caller, "POST", "/api/markets/0x01/split", body, now.Add(10 * time.Minute), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyRequest(tc.caller, tc.method, tc.path, ts, tc.body, h[HeaderSignature], tc.now, 5*time.Minute)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}

	err = VerifyRequest(caller, "POST", "/", ts, nil, "not-hex", now, 0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey(devKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, devKey[2:], got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)

	_, err = EncryptKey(devKey, "")
	assert.Error(t, err)
	_, err = EncryptKey("0x"+hex.EncodeToString([]byte{1, 2}), "pw")
	assert.Error(t, err)

	var sk sealedKey
	require.NoError(t, json.Unmarshal(blob, &sk))
	assert.Equal(t, common.HexToAddress(devAddress), sk.Address)
	sk.Address = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tampered, err := json.Marshal(sk)
	require.NoError(t, err)
	_, err = DecryptKey(tampered, "hunter2")
	assert.Error(t, err, "address is bound to the ciphertext")

	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddress), s.Address())
}

func TestLoadKey(t *testing.T) {
	k, err := LoadKey(KeyConfig{RawPrivateKey: devKey})
	require.NoError(t, err)
	assert.Equal(t, devKey[2:], k)

	_, err = LoadKey(KeyConfig{})
	assert.ErrorIs(t, err, ErrNoKey)
	assert.False(t, KeyConfig{}.Configured())
	assert.True(t, KeyConfig{RawPrivateKey: devKey}.Configured())
}
