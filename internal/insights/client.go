package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/models"
)

// Config holds the AI oracle client settings. An empty endpoint disables the
// external call and falls back to a locally computed report.
type Config struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Endpoint:   os.Getenv("INSIGHTS_ENDPOINT"),
		APIKey:     os.Getenv("INSIGHTS_API_KEY"),
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// AnalysisRequest is what the oracle receives: the room's full evaluated
// response history.
type AnalysisRequest struct {
	RoomID    uuid.UUID        `json:"room_id"`
	Responses []ResponseSample `json:"responses"`
}

// ResponseSample is one round's worth of evidence.
type ResponseSample struct {
	Round     int                  `json:"round"`
	CardKey   string               `json:"card_key"`
	Text      string               `json:"text"`
	ElapsedMS int                  `json:"elapsed_ms"`
	Scores    *models.PillarScores `json:"scores,omitempty"`
}

// AnalysisResult is the oracle's answer. The oracle is opaque: Raw carries
// whatever it returned, Summary and PillarAverages are the fields we rely on.
type AnalysisResult struct {
	Summary        string             `json:"summary"`
	PillarAverages map[string]float64 `json:"pillar_averages"`
	Raw            json.RawMessage    `json:"-"`
}

// Client calls the AI scoring oracle. The call is slow and flaky by
// assumption; it gets bounded retries with backoff and never corrupts any
// room state on failure.
type Client struct {
	cfg   Config
	httpc *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) enabled() bool {
	return c.cfg.Endpoint != ""
}

// Analyze produces a compatibility analysis for the given responses.
func (c *Client) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	if !c.enabled() {
		log.Info().Str("room_id", req.RoomID.String()).Msg("insights endpoint not configured, computing report locally")
		return localAnalysis(req), nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.callOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("analysis call failed")
	}
	return nil, fmt.Errorf("analysis failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) callOnce(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis endpoint returned %d", resp.StatusCode)
	}

	var result AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis response: %w", err)
	}
	result.Raw = raw
	return &result, nil
}

// localAnalysis averages the recorded pillar scores. It stands in when no
// oracle is configured so the report endpoint still works end to end.
func localAnalysis(req *AnalysisRequest) *AnalysisResult {
	sums := map[string]int{}
	count := 0
	for _, r := range req.Responses {
		if r.Scores == nil {
			continue
		}
		sums["honesty"] += r.Scores.Honesty
		sums["attraction"] += r.Scores.Attraction
		sums["intimacy"] += r.Scores.Intimacy
		sums["surprise"] += r.Scores.Surprise
		count++
	}

	averages := map[string]float64{}
	if count > 0 {
		for pillar, sum := range sums {
			averages[pillar] = float64(sum) / float64(count)
		}
	}
	return &AnalysisResult{
		Summary:        fmt.Sprintf("Locally computed averages over %d evaluated responses.", count),
		PillarAverages: averages,
	}
}
