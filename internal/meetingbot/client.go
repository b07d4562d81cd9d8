package meetingbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-meet/internal/config"
)

const (
	DefaultBaseURL = "https://api.recall.ai/api/v1"

	StatusInCallRecording = "in_call_recording"
	StatusCallEnded       = "call_ended"
	StatusFatal           = "fatal"
	StatusUnknown         = "unknown"
)

var (
	ErrMissingAPIKey = errors.New("meeting bot api key is required")
	ErrJoinFailed    = errors.New("bot failed to join meeting")
	ErrJoinTimeout   = errors.New("timed out waiting for bot to join meeting")
)

// APIError is a non-success response from the bot API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

type StatusChange struct {
	Code      string `json:"code"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Bot is the subset of the bot resource the CLI cares about.
type Bot struct {
	ID            string         `json:"id"`
	MeetingURL    any            `json:"meeting_url,omitempty"`
	BotName       string         `json:"bot_name"`
	CreatedAt     string         `json:"created_at,omitempty"`
	StatusChanges []StatusChange `json:"status_changes,omitempty"`
}

// Status returns the most recent status code.
func (b Bot) Status() string {
	if len(b.StatusChanges) == 0 {
		return StatusUnknown
	}
	return b.StatusChanges[len(b.StatusChanges)-1].Code
}

// Meeting renders the meeting url, which the API returns either as a plain
// string or as an object with platform details.
func (b Bot) Meeting() string {
	switch v := b.MeetingURL.(type) {
	case string:
		return v
	case map[string]any:
		if id, ok := v["meeting_id"].(string); ok {
			return id
		}
	}
	return ""
}

// Client manages meeting bots that stream call audio to the voice server.
type Client struct {
	baseURL      string
	apiKey       string
	botName      string
	webpageURL   string
	joinTimeout  time.Duration
	pollInterval time.Duration
	http         *http.Client
	state        *StateFile
	log          *slog.Logger
}

func New(cfg config.MeetingBotConfig, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	joinTimeout := time.Duration(cfg.JoinTimeoutMS) * time.Millisecond
	if joinTimeout <= 0 {
		joinTimeout = time.Minute
	}
	return &Client{
		baseURL:      base,
		apiKey:       cfg.APIKey,
		botName:      cfg.BotName,
		webpageURL:   cfg.WebpageURL,
		joinTimeout:  joinTimeout,
		pollInterval: 2 * time.Second,
		http:         httpClient,
		state:        NewStateFile(cfg.StateFile),
		log:          log.With(slog.String("component", "meetingbot")),
	}, nil
}

func (c *Client) Create(ctx context.Context, meetingURL, botName string) (Bot, error) {
	if strings.TrimSpace(meetingURL) == "" {
		return Bot{}, errors.New("meeting url is required")
	}
	if botName == "" {
		botName = c.botName
	}
	var bot Bot
	if err := c.do(ctx, "create bot", http.MethodPost, "/bot", c.createPayload(meetingURL, botName), http.StatusCreated, &bot); err != nil {
		return Bot{}, err
	}
	c.log.Info("bot created", slog.String("bot_id", bot.ID), slog.String("status", bot.Status()))
	if err := c.state.Put(bot); err != nil {
		c.log.Warn("failed to save bot state", slog.String("error", err.Error()))
	}
	return bot, nil
}

func (c *Client) Get(ctx context.Context, id string) (Bot, error) {
	var bot Bot
	err := c.do(ctx, "get bot", http.MethodGet, "/bot/"+url.PathEscape(id), nil, http.StatusOK, &bot)
	return bot, err
}

func (c *Client) List(ctx context.Context) ([]Bot, error) {
	var page struct {
		Results []Bot `json:"results"`
	}
	if err := c.do(ctx, "list bots", http.MethodGet, "/bot", nil, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, "delete bot", http.MethodDelete, "/bot/"+url.PathEscape(id), nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.log.Info("bot terminated", slog.String("bot_id", id))
	if err := c.state.Remove(id); err != nil {
		c.log.Warn("failed to update bot state", slog.String("error", err.Error()))
	}
	return nil
}

// Cleanup deletes every bot the API lists and returns how many were removed.
func (c *Client) Cleanup(ctx context.Context) (int, error) {
	bots, err := c.List(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, bot := range bots {
		if err := c.Delete(ctx, bot.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// WaitForJoin polls the bot until it is recording in the call. Transient
// status errors are logged and retried until the join timeout.
func (c *Client) WaitForJoin(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.joinTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		bot, err := c.Get(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				c.log.Warn("bot status check failed", slog.String("bot_id", id), slog.String("error", err.Error()))
			}
		case bot.Status() == StatusInCallRecording:
			c.log.Info("bot joined meeting", slog.String("bot_id", id))
			return nil
		case bot.Status() == StatusCallEnded || bot.Status() == StatusFatal:
			return fmt.Errorf("%w: %s", ErrJoinFailed, bot.Status())
		default:
			c.log.Debug("bot status", slog.String("bot_id", id), slog.String("status", bot.Status()))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrJoinTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) createPayload(meetingURL, botName string) map[string]any {
	payload := map[string]any{
		"meeting_url": meetingURL,
		"bot_name":    botName,
		"transcription_options": map[string]any{
			"provider": "meeting_captions",
		},
		"chat_options": map[string]any{
			"on_bot_join": map[string]any{
				"send_to": "everyone",
				"message": fmt.Sprintf("Hi! %s has joined the meeting. Talk to me by voice.", botName),
			},
		},
		"recording_mode": "speaker_view",
		"recording_mode_options": map[string]any{
			"participant_video_when_screenshare": "hide",
		},
		"automatic_leave": map[string]any{
			"waiting_room_timeout": 1200,
			"noone_joined_timeout": 1200,
		},
	}
	if c.webpageURL != "" {
		payload["automatic_video_output"] = map[string]any{
			"automated_video_output": map[string]any{
				"webpage": map[string]any{
					"url":          c.webpageURL,
					"display_name": botName,
					"width":        1280,
					"height":       720,
				},
			},
		}
	}
	return payload
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
