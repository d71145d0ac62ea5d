package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AdjudicatorStatus is the resolution status an adjudicator reports for a
// question.
type AdjudicatorStatus uint8

const (
	AdjudicatorNone AdjudicatorStatus = iota
	AdjudicatorOpen
	AdjudicatorFinalized
	AdjudicatorArbitrated
)

var adjudicatorStatusNames = [...]string{"none", "open", "finalized", "arbitrated"}

func (s AdjudicatorStatus) String() string {
	if int(s) < len(adjudicatorStatusNames) {
		return adjudicatorStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// IsFinal reports whether answers in this status may settle a market.
func (s AdjudicatorStatus) IsFinal() bool {
	return s == AdjudicatorFinalized || s == AdjudicatorArbitrated
}

// ParseAdjudicatorStatus maps the wire name back to the status value.
func ParseAdjudicatorStatus(name string) (AdjudicatorStatus, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range adjudicatorStatusNames {
		if s == n {
			return AdjudicatorStatus(i), nil
		}
	}
	return AdjudicatorNone, fmt.Errorf("unknown adjudicator status %q", name)
}

func (s AdjudicatorStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *AdjudicatorStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseAdjudicatorStatus(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Answer is the adjudicator's best answer for a question.
type Answer struct {
	Reporter  common.Address
	Payload   []byte
	Bond      *uint256.Int
	Timestamp time.Time
}

// Adjudicator is the read-only view of the external resolution source.
type Adjudicator interface {
	Status(ctx context.Context, questionID common.Hash) (AdjudicatorStatus, error)
	BestAnswer(ctx context.Context, questionID common.Hash) (Answer, error)
}
