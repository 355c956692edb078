package fees

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// OracleClient talks to an external priority-fee oracle over HTTP. The oracle
// returns per-tier micro-lamports/CU estimates scoped to the account keys the
// transaction will lock.
type OracleClient struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

type oracleRequest struct {
	AccountKeys []string      `json:"accountKeys,omitempty"`
	Options     oracleOptions `json:"options"`
}

type oracleOptions struct {
	IncludeAllPriorityFeeLevels bool `json:"includeAllPriorityFeeLevels"`
}

type oracleResponse struct {
	Result struct {
		PriorityFeeLevels Estimate `json:"priorityFeeLevels"`
	} `json:"result"`
}

func NewOracleClient(url string, logger *zap.Logger) *OracleClient {
	if url == "" {
		return nil
	}
	return &OracleClient{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("fee-oracle"),
	}
}

// Estimate requests all fee levels for the given writable accounts. Any
// transport or decoding failure is returned to the caller, which falls back
// to the statistical estimate.
func (c *OracleClient) Estimate(ctx context.Context, writable []solana.PublicKey) (Estimate, error) {
	keys := make([]string, 0, len(writable))
	for _, account := range writable {
		keys = append(keys, account.String())
	}

	payload, err := json.Marshal(oracleRequest{
		AccountKeys: keys,
		Options:     oracleOptions{IncludeAllPriorityFeeLevels: true},
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("marshal oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Estimate{}, fmt.Errorf("fee oracle HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Estimate{}, err
	}

	var decoded oracleResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Estimate{}, fmt.Errorf("decode fee oracle response: %w", err)
	}

	c.logger.Debug("fee oracle estimate",
		zap.Float64("medium", decoded.Result.PriorityFeeLevels.Medium),
		zap.Float64("high", decoded.Result.PriorityFeeLevels.High),
		zap.Int("scoped_accounts", len(keys)))

	return decoded.Result.PriorityFeeLevels, nil
}
