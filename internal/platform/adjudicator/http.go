// Package adjudicator provides clients for the external question-resolution
// service that markets settle against.
package adjudicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// HTTPClient reads question state from an adjudicator REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client. baseURL is the API root, e.g.
// "https://adjudicator.example.org".
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// questionResponse is the wire form of GET /questions/{id}.
type questionResponse struct {
	Status     domain.AdjudicatorStatus `json:"status"`
	BestAnswer hexutil.Bytes            `json:"best_answer"`
	Reporter   common.Address           `json:"reporter"`
	Bond       string                   `json:"bond"`
	Timestamp  int64                    `json:"timestamp"`
}

// Status returns the question's status. Unknown questions report
// AdjudicatorNone.
func (c *HTTPClient) Status(ctx context.Context, questionID common.Hash) (domain.AdjudicatorStatus, error) {
	q, err := c.getQuestion(ctx, questionID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AdjudicatorNone, nil
	}
	if err != nil {
		return domain.AdjudicatorNone, err
	}
	return q.Status, nil
}

// BestAnswer returns the current best answer for the question.
func (c *HTTPClient) BestAnswer(ctx context.Context, questionID common.Hash) (domain.Answer, error) {
	q, err := c.getQuestion(ctx, questionID)
	if err != nil {
		return domain.Answer{}, err
	}
	ans := domain.Answer{
		Reporter: q.Reporter,
		Payload:  []byte(q.BestAnswer),
		Bond:     new(uint256.Int),
	}
	if q.Bond != "" {
		bond, err := domain.ParseAmount(q.Bond)
		if err != nil {
			return domain.Answer{}, fmt.Errorf("adjudicator: decode bond: %w", err)
		}
		ans.Bond = bond
	}
	if q.Timestamp > 0 {
		ans.Timestamp = time.Unix(q.Timestamp, 0).UTC()
	}
	return ans, nil
}

func (c *HTTPClient) getQuestion(ctx context.Context, questionID common.Hash) (questionResponse, error) {
	body, err := c.doGet(ctx, "/questions/"+questionID.Hex())
	if err != nil {
		return questionResponse{}, fmt.Errorf("adjudicator: get question %s: %w", questionID.Hex(), err)
	}
	var q questionResponse
	if err := json.Unmarshal(body, &q); err != nil {
		return questionResponse{}, fmt.Errorf("adjudicator: decode question: %w", err)
	}
	return q, nil
}

// doGet sends an unauthenticated GET request.
func (c *HTTPClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var _ domain.Adjudicator = (*HTTPClient)(nil)
