package adjudicator

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

type question struct {
	status domain.AdjudicatorStatus
	answer domain.Answer
}

// Static is an in-process adjudicator whose answers are published by the
// operator. It backs the "memory" adjudicator kind and tests.
type Static struct {
	mu        sync.RWMutex
	questions map[common.Hash]question
	now       func() time.Time
}

// NewStatic returns an adjudicator with no questions.
func NewStatic() *Static {
	return &Static{
		questions: make(map[common.Hash]question),
		now:       time.Now,
	}
}

// Publish sets the status and best answer of a question. Publishing again
// replaces the previous answer.
func (s *Static) Publish(questionID common.Hash, status domain.AdjudicatorStatus, reporter common.Address, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[questionID] = question{
		status: status,
		answer: domain.Answer{
			Reporter:  reporter,
			Payload:   bytes.Clone(payload),
			Bond:      new(uint256.Int),
			Timestamp: s.now().UTC(),
		},
	}
}

func (s *Static) Status(_ context.Context, questionID common.Hash) (domain.AdjudicatorStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.questions[questionID].status, nil
}

func (s *Static) BestAnswer(_ context.Context, questionID common.Hash) (domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[questionID]
	if !ok {
		return domain.Answer{}, domain.ErrNotFound
	}
	ans := q.answer
	ans.Payload = bytes.Clone(ans.Payload)
	ans.Bond = ans.Bond.Clone()
	return ans, nil
}

var _ domain.Adjudicator = (*Static)(nil)
