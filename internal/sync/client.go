package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tandemlabs/tandem/internal/models"
)

// StoreClient is the subset of the server's RPC surface the sync engine
// needs. The full HTTP client implements it; tests swap in fakes.
type StoreClient interface {
	SyncGameState(ctx context.Context) (*models.RoomSnapshot, error)
	HandleLevelSelection(ctx context.Context, level int) (*models.LevelSelectionResult, error)
}

// ErrNoSession means the client was used before create/join established a
// room and player identity. Callers get it back locally, no request is sent.
var ErrNoSession = errors.New("no room or player identity established")

// APIError is a non-2xx response from the state store.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client is an HTTP state store client bound to one room and one player
// identity.
type Client struct {
	baseURL string
	httpc   *http.Client
	token   string

	RoomID   uuid.UUID
	PlayerID uuid.UUID
}

type sessionInfo struct {
	Room     *models.Room `json:"room"`
	PlayerID uuid.UUID    `json:"player_id"`
	Token    string       `json:"token"`
}

// CreateRoom creates a new room and returns a client authenticated as its
// host.
func CreateRoom(ctx context.Context, baseURL string) (*Client, *models.Room, error) {
	return establish(ctx, baseURL, "/api/rooms")
}

// JoinRoom joins an existing room by code.
func JoinRoom(ctx context.Context, baseURL, code string) (*Client, *models.Room, error) {
	return establish(ctx, baseURL, "/api/rooms/"+code+"/join")
}

func establish(ctx context.Context, baseURL, path string) (*Client, *models.Room, error) {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
	var info sessionInfo
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &info); err != nil {
		return nil, nil, err
	}
	c.token = info.Token
	c.RoomID = info.Room.ID
	c.PlayerID = info.PlayerID
	return c, info.Room, nil
}

// SyncGameState is the heartbeat RPC: idempotent, safe to call every tick.
func (c *Client) SyncGameState(ctx context.Context) (*models.RoomSnapshot, error) {
	var snap models.RoomSnapshot
	if err := c.doRoom(ctx, http.MethodPost, "/sync", struct{}{}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) SetReady(ctx context.Context) error {
	return c.doRoom(ctx, http.MethodPost, "/ready", struct{}{}, nil)
}

func (c *Client) SubmitProximityAnswer(ctx context.Context, answer string) error {
	body := map[string]string{"answer": answer}
	return c.doRoom(ctx, http.MethodPost, "/proximity", body, nil)
}

func (c *Client) HandleLevelSelection(ctx context.Context, level int) (*models.LevelSelectionResult, error) {
	body := map[string]int{"level": level}
	var result models.LevelSelectionResult
	if err := c.doRoom(ctx, http.MethodPost, "/level", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ConfirmCard(ctx context.Context) error {
	return c.doRoom(ctx, http.MethodPost, "/card/confirm", struct{}{}, nil)
}

func (c *Client) SubmitResponse(ctx context.Context, text string, elapsed time.Duration) (*models.Response, error) {
	body := map[string]any{"text": text, "elapsed_ms": int(elapsed.Milliseconds())}
	var resp models.Response
	if err := c.doRoom(ctx, http.MethodPost, "/responses", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SubmitEvaluation(ctx context.Context, responseID uuid.UUID, scores models.PillarScores) error {
	path := "/responses/" + responseID.String() + "/evaluation"
	return c.doRoom(ctx, http.MethodPost, path, scores, nil)
}

func (c *Client) ConfirmLevelUp(ctx context.Context, accept bool) (string, error) {
	body := map[string]bool{"accept": accept}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.doRoom(ctx, http.MethodPost, "/levelup", body, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) FinishRoom(ctx context.Context) error {
	return c.doRoom(ctx, http.MethodPost, "/finish", struct{}{}, nil)
}

// Token exposes the player JWT for the change-feed gateway handshake.
func (c *Client) Token() string {
	return c.token
}

// doRoom issues a room-scoped request. A client with no established
// identity fails here, before any network round-trip.
func (c *Client) doRoom(ctx context.Context, method, suffix string, body, out any) error {
	if c.RoomID == uuid.Nil || c.PlayerID == uuid.Nil {
		return ErrNoSession
	}
	return c.do(ctx, method, "/api/rooms/"+c.RoomID.String()+suffix, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
