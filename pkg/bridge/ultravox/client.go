// Package ultravox creates calls against the Ultravox API and opens
// the agent-side WebSocket for a session.
package ultravox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultBaseURL = "https://api.ultravox.ai"
	DefaultModel   = "fixie-ai/ultravox"
	DefaultVoice   = "Riya-Rao-English-Indian"

	// WidebandSampleRate is the PCM16 rate on the agent leg, both
	// directions.
	WidebandSampleRate = 48000
)

// ErrSetup marks call-creation failures: transport errors, non-2xx
// responses, and responses without a join URL.
var ErrSetup = errors.New("ultravox call setup failed")

// ErrConnect marks WebSocket handshake failures against the join URL.
var ErrConnect = errors.New("ultravox connection failed")

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string

	CallTimeout time.Duration
	DialTimeout time.Duration

	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{cfg: cfg}
}

type serverWebSocketMedium struct {
	InputSampleRate  int `json:"inputSampleRate"`
	OutputSampleRate int `json:"outputSampleRate"`
}

type callMedium struct {
	ServerWebSocket serverWebSocketMedium `json:"serverWebSocket"`
}

type vadSettings struct {
	TurnEndpointDelay           string  `json:"turnEndpointDelay"`
	MinimumTurnDuration         string  `json:"minimumTurnDuration"`
	MinimumInterruptionDuration string  `json:"minimumInterruptionDuration"`
	FrameActivationThreshold    float64 `json:"frameActivationThreshold"`
}

type callRequest struct {
	SystemPrompt     string      `json:"systemPrompt"`
	Model            string      `json:"model"`
	Voice            string      `json:"voice"`
	Medium           callMedium  `json:"medium"`
	VadSettings      vadSettings `json:"vadSettings"`
	FirstSpeaker     string      `json:"firstSpeaker"`
	RecordingEnabled bool        `json:"recordingEnabled"`
}

type callResponse struct {
	JoinURL string `json:"joinUrl"`
}

// CreateCall registers a call and returns the WebSocket join URL.
// systemPrompt is the session's context string.
func (c *Client) CreateCall(ctx context.Context, systemPrompt string) (string, error) {
	body, err := json.Marshal(callRequest{
		SystemPrompt: systemPrompt,
		Model:        c.cfg.Model,
		Voice:        c.cfg.Voice,
		Medium: callMedium{ServerWebSocket: serverWebSocketMedium{
			InputSampleRate:  WidebandSampleRate,
			OutputSampleRate: WidebandSampleRate,
		}},
		VadSettings: vadSettings{
			TurnEndpointDelay:           "0.5s",
			MinimumTurnDuration:         "0.1s",
			MinimumInterruptionDuration: "0.2s",
			FrameActivationThreshold:    0.15,
		},
		FirstSpeaker:     "FIRST_SPEAKER_AGENT",
		RecordingEnabled: false,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrSetup, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/calls", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSetup, err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSetup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrSetup, resp.StatusCode, snippet)
	}

	var call callResponse
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSetup, err)
	}
	if call.JoinURL == "" {
		return "", fmt.Errorf("%w: response has no joinUrl", ErrSetup)
	}
	return call.JoinURL, nil
}

// Dial opens the agent WebSocket. Compression is disabled; the agent
// leg carries raw PCM16 where permessage-deflate only adds latency.
func (c *Client) Dial(ctx context.Context, joinURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.DialTimeout,
		EnableCompression: false,
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, joinURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: status %d: %v", ErrConnect, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return conn, nil
}

// Connect performs call creation and the WebSocket dial in one step.
func (c *Client) Connect(ctx context.Context, systemPrompt string) (*websocket.Conn, error) {
	joinURL, err := c.CreateCall(ctx, systemPrompt)
	if err != nil {
		return nil, err
	}
	return c.Dial(ctx, joinURL)
}
