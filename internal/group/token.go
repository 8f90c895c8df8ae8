package group

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var (
	// ErrTokenRoomMismatch means the issued token grants a different room
	// than the one requested.
	ErrTokenRoomMismatch = errors.New("token grants a different room")
	// ErrTokenExpired means the issued token is already past its expiry.
	ErrTokenExpired = errors.New("token already expired")
)

// TokenSource issues room credentials.
type TokenSource interface {
	RoomToken(ctx context.Context, room string) (proto.TokenResponse, error)
}

// HTTPTokenClient requests room tokens from the API's /rtc/token endpoint.
type HTTPTokenClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// APIError carries the message the API put in a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("token endpoint returned %d", e.Status)
	}
	return e.Message
}

func (c *HTTPTokenClient) RoomToken(ctx context.Context, room string) (proto.TokenResponse, error) {
	var out proto.TokenResponse
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		return out, fmt.Errorf("no api url configured")
	}
	body, err := json.Marshal(proto.TokenRequest{RoomName: room})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/rtc/token", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: util.DefaultFetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &APIError{Status: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" || out.URL == "" {
		return out, fmt.Errorf("token response missing token or url")
	}
	return out, nil
}

// errorMessage pulls "message" or "error" out of a JSON error body.
func errorMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || json.Unmarshal(data, &body) != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}

// roomClaims is the subset of a LiveKit access token this package reads.
type roomClaims struct {
	jwt.RegisteredClaims
	Video *struct {
		Room     string `json:"room"`
		RoomJoin bool   `json:"roomJoin"`
	} `json:"video,omitempty"`
}

// CheckRoomToken inspects an issued token without verifying its signature;
// the conferencing server does that. It catches tokens minted for another
// room or already expired before a join is attempted.
func CheckRoomToken(token, room string, now time.Time) error {
	var claims roomClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Errorf("parse room token: %w", err)
	}
	if claims.Video == nil || !claims.Video.RoomJoin || claims.Video.Room != room {
		return ErrTokenRoomMismatch
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	return nil
}
