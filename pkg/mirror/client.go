// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// reconnectDelay is the pause before re-dialing a dropped WebSocket.
const reconnectDelay = 5 * time.Second

// Processor consumes messages observed on source channels. This allows
// tests to inject a mock instead of requiring a full pipeline.
type Processor interface {
	Process(ctx context.Context, msg Message) error
}

// Client is the Mattermost connection: it watches the source channels over
// a WebSocket and posts relayed messages to the destination channel. It is
// also the pipeline's Deliverer.
type Client struct {
	client   *model.Client4
	wsClient *model.WebSocketClient

	serverURL   string
	userID      string
	destChannel string
	sources     map[string]struct{}

	processor Processor
	store     *Store

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ Deliverer = (*Client)(nil)

func NewClient(cfg *Config, store *Store, log zerolog.Logger) *Client {
	c := &Client{
		client:      model.NewAPIv4Client(cfg.ServerURL),
		serverURL:   cfg.ServerURL,
		destChannel: cfg.DestChannel,
		sources:     make(map[string]struct{}, len(cfg.SourceChannels)),
		store:       store,
		stopChan:    make(chan struct{}),
		log:         log.With().Str("component", "mm_client").Logger(),
	}
	c.client.SetToken(cfg.Token)
	for _, id := range cfg.SourceChannels {
		c.sources[id] = struct{}{}
	}
	return c
}

// SetProcessor wires the message pipeline. Must be called before Connect.
func (c *Client) SetProcessor(p Processor) {
	c.processor = p
}

// Connect verifies the session and starts the WebSocket event loop.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().Str("server_url", c.serverURL).Msg("Connecting to Mattermost")

	me, _, err := c.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	c.userID = me.Id
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if err := c.connectWebSocket(); err != nil {
		return err
	}
	return nil
}

func (c *Client) connectWebSocket() error {
	wsURL := httpToWS(c.serverURL)
	var err error
	c.wsClient, err = model.NewWebSocketClient4(wsURL, c.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	c.wsClient.Listen()

	go c.listenWebSocket()

	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Client) listenWebSocket() {
	for {
		select {
		case <-c.stopChan:
			return
		case event, ok := <-c.wsClient.EventChannel:
			if !ok {
				c.handleWebSocketDisconnect()
				return
			}
			if event == nil {
				continue
			}
			c.handleEvent(event)
		}
	}
}

func (c *Client) handleWebSocketDisconnect() {
	c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(reconnectDelay):
		}
		if err := c.connectWebSocket(); err != nil {
			c.log.Error().Err(err).Msg("Failed to reconnect WebSocket")
			continue
		}
		return
	}
}

func (c *Client) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		c.handlePosted(evt)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func (c *Client) handlePosted(evt *model.WebSocketEvent) {
	post, err := c.parsePostedEvent(evt)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}

	// Remember the channel's display name for the admin view.
	if name, ok := evt.GetData()["channel_display_name"].(string); ok && name != "" {
		if err := c.store.SetChannelLabel(context.Background(), post.ChannelId, name); err != nil {
			c.log.Warn().Err(err).Str("channel_id", post.ChannelId).Msg("Failed to record channel label")
		}
	}

	msg := Message{
		SourceID:  post.ChannelId,
		MessageID: post.Id,
		Text:      post.Message,
	}
	if len(post.FileIds) > 0 {
		msg.Attachment = &Attachment{ID: post.FileIds[0]}
	}

	if c.processor == nil {
		c.log.Error().Msg("No processor wired, dropping message")
		return
	}
	if err := c.processor.Process(context.Background(), msg); err != nil {
		c.log.Error().Err(err).
			Str("source_id", msg.SourceID).
			Str("message_id", msg.MessageID).
			Msg("Failed to process message")
	}
}

// parsePostedEvent extracts and validates a post from a WebSocket event.
// Returns (nil, nil) to skip silently, (nil, err) to log an error, or
// (post, nil) to proceed.
func (c *Client) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip own posts.
	if post.UserId == c.userID {
		return nil, nil
	}

	// Skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Only watched source channels are relayed.
	if _, watched := c.sources[post.ChannelId]; !watched {
		return nil, nil
	}

	return &post, nil
}

// Deliver posts the relayed message to the destination channel. The post is
// marked to suppress channel-wide notifications so mirrored traffic stays
// quiet.
func (c *Client) Deliver(ctx context.Context, text string, attachment *Attachment) error {
	post := &model.Post{
		ChannelId: c.destChannel,
		Message:   text,
	}
	post.AddProp("disable_group_highlight", true)

	if attachment != nil {
		fileID, err := c.copyAttachment(ctx, attachment)
		if err != nil {
			return err
		}
		post.FileIds = []string{fileID}
	}

	if _, _, err := c.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

// copyAttachment downloads a source-channel file and re-uploads it to the
// destination channel, returning the new file ID. Files can't be attached
// across channels directly.
func (c *Client) copyAttachment(ctx context.Context, attachment *Attachment) (string, error) {
	filename := attachment.Name
	if filename == "" {
		fileInfo, _, err := c.client.GetFileInfo(ctx, attachment.ID)
		if err != nil {
			return "", fmt.Errorf("failed to get file info: %w", err)
		}
		filename = fileInfo.Name
	}
	if filename == "" {
		filename = "upload"
	}

	data, _, err := c.client.GetFile(ctx, attachment.ID)
	if err != nil {
		return "", fmt.Errorf("failed to download attachment: %w", err)
	}

	fileUploadResp, _, err := c.client.UploadFile(ctx, data, c.destChannel, filename)
	if err != nil {
		return "", fmt.Errorf("failed to upload to destination: %w", err)
	}
	if len(fileUploadResp.FileInfos) == 0 {
		return "", fmt.Errorf("no file info returned from upload")
	}
	return fileUploadResp.FileInfos[0].Id, nil
}

// Disconnect closes the WebSocket connection and stops the event loop.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}
