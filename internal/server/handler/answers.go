package handler

import (
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/polysettle/internal/codec"
	"github.com/alanyoungcy/polysettle/internal/domain"
)

// AnswerPublisher sets adjudicator answers directly. Only the in-memory
// adjudicator implements it.
type AnswerPublisher interface {
	Publish(questionID common.Hash, status domain.AdjudicatorStatus, reporter common.Address, payload []byte)
}

// PublishAnswerDTO is the body of POST /api/answers. The answer is either a
// raw ABI payload or a typed value encoded here: "bool" for binary markets,
// "uint" for a categorical index, "int" for a scalar value.
type PublishAnswerDTO struct {
	QuestionID string `json:"question_id" validate:"required,len=66,startswith=0x,hexadecimal"`
	Status     string `json:"status" validate:"required,oneof=open finalized arbitrated"`
	Payload    string `json:"payload" validate:"omitempty,startswith=0x,hexadecimal,excluded_with=Value"`
	Type       string `json:"type" validate:"required_with=Value,omitempty,oneof=bool uint int"`
	Value      string `json:"value"`
}

// encodeAnswer turns a typed value into the single-word payload markets
// decode at finalize.
func encodeAnswer(typ, value string) ([]byte, error) {
	switch typ {
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		return codec.EncodeBool(b)
	case "uint", "int":
		n, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("value: %q is not an integer", value)
		}
		if typ == "uint" {
			return codec.EncodeUint(n)
		}
		return codec.EncodeInt(n)
	}
	return nil, fmt.Errorf("type: unknown answer type %q", typ)
}

// AnswerHandler publishes answers to the in-memory adjudicator. It is only
// mounted on development deployments.
type AnswerHandler struct {
	adj    AnswerPublisher
	logger *slog.Logger
}

// NewAnswerHandler creates an AnswerHandler.
func NewAnswerHandler(adj AnswerPublisher, logger *slog.Logger) *AnswerHandler {
	return &AnswerHandler{adj: adj, logger: logHandler(logger, "answers")}
}

// Publish records the caller as reporter of the answer.
// POST /api/answers
func (h *AnswerHandler) Publish(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var dto PublishAnswerDTO
	if err := decodeJSON(r, &dto); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := domain.ParseAdjudicatorStatus(dto.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload []byte
	switch {
	case dto.Value != "":
		payload, err = encodeAnswer(dto.Type, dto.Value)
	case dto.Payload != "":
		payload, err = hexutil.Decode(dto.Payload)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	qid := common.HexToHash(dto.QuestionID)
	h.adj.Publish(qid, status, caller, payload)
	h.logger.InfoContext(r.Context(), "answer published",
		slog.String("question_id", qid.Hex()),
		slog.String("status", status.String()),
		slog.String("reporter", caller.Hex()),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"question_id": qid,
		"status":      status,
		"reporter":    caller,
		"payload":     hexutil.Bytes(payload),
	})
}
