// Package codec decodes and encodes adjudicator answer payloads. Every payload
// is a single 32-byte ABI word: bool for binary markets, uint256 for
// categorical markets, int256 for scalar markets.
package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// WordSize is the length of a canonical payload.
const WordSize = 32

var (
	boolArgs    = mustArgs("bool")
	uint256Args = mustArgs("uint256")
	int256Args  = mustArgs("int256")
)

// ErrPayloadLength is returned for payloads that are not exactly one word.
var ErrPayloadLength = errors.New("payload must be exactly 32 bytes")

func mustArgs(typ string) abi.Arguments {
	t, err := abi.NewType(typ, "", nil)
	if err != nil {
		panic(fmt.Sprintf("codec: abi type %s: %v", typ, err))
	}
	return abi.Arguments{{Type: t}}
}

func unpackOne(args abi.Arguments, payload []byte) (any, error) {
	if len(payload) != WordSize {
		return nil, fmt.Errorf("%w: got %d", ErrPayloadLength, len(payload))
	}
	out, err := args.Unpack(payload)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected value count %d", len(out))
	}
	return out[0], nil
}

// DecodeBool decodes a binary market answer. Words other than 0 and 1 are
// rejected.
func DecodeBool(payload []byte) (bool, error) {
	v, err := unpackOne(boolArgs, payload)
	if err != nil {
		return false, fmt.Errorf("codec: decode bool: %w", err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("codec: decode bool: unexpected type %T", v)
	}
	return b, nil
}

// DecodeUint decodes a categorical market answer (the winning index).
func DecodeUint(payload []byte) (*big.Int, error) {
	v, err := unpackOne(uint256Args, payload)
	if err != nil {
		return nil, fmt.Errorf("codec: decode uint256: %w", err)
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("codec: decode uint256: unexpected type %T", v)
	}
	return n, nil
}

// DecodeInt decodes a scalar market answer (the signed resolved value).
func DecodeInt(payload []byte) (*big.Int, error) {
	v, err := unpackOne(int256Args, payload)
	if err != nil {
		return nil, fmt.Errorf("codec: decode int256: %w", err)
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("codec: decode int256: unexpected type %T", v)
	}
	return n, nil
}

func EncodeBool(b bool) ([]byte, error) {
	out, err := boolArgs.Pack(b)
	if err != nil {
		return nil, fmt.Errorf("codec: encode bool: %w", err)
	}
	return out, nil
}

func EncodeUint(n *big.Int) ([]byte, error) {
	out, err := uint256Args.Pack(n)
	if err != nil {
		return nil, fmt.Errorf("codec: encode uint256: %w", err)
	}
	return out, nil
}

func EncodeInt(n *big.Int) ([]byte, error) {
	out, err := int256Args.Pack(n)
	if err != nil {
		return nil, fmt.Errorf("codec: encode int256: %w", err)
	}
	return out, nil
}

// InInt256Range reports whether n fits a signed 256-bit word.
func InInt256Range(n *big.Int) bool {
	return n.Cmp(minInt256) >= 0 && n.Cmp(maxInt256) <= 0
}

var (
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)
