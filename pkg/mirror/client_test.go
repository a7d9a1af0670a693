// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mirror

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// fakeMM simulates the small slice of the Mattermost API the mirror uses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	posts []*model.Post

	// Files maps file ID to content served by the download endpoint.
	Files map[string][]byte
}

func newFakeMM() *fakeMM {
	f := &fakeMM{Files: make(map[string][]byte)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) Posts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &post); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.posts = append(f.posts, &post)
		f.mu.Unlock()
		post.Id = "created"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/files/") && strings.HasSuffix(path, "/info"):
		fileID := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v4/files/"), "/info")
		_ = json.NewEncoder(w).Encode(&model.FileInfo{Id: fileID, Name: "deal.png"})

	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/files/"):
		fileID := strings.TrimPrefix(path, "/api/v4/files/")
		f.mu.Lock()
		data, ok := f.Files[fileID]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)

	case r.Method == "POST" && path == "/api/v4/files":
		_, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded1", Name: r.URL.Query().Get("filename")}},
		})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestMirrorClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	cfg := &Config{
		ServerURL:      serverURL,
		Token:          "test-token",
		DestChannel:    "destchan",
		SourceChannels: []string{"src1", "src2"},
	}
	client := NewClient(cfg, newTestStore(t), zerolog.Nop())
	client.userID = "relaybot"
	return client
}

func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postedEvent(t *testing.T, post *model.Post, extra map[string]any) *model.WebSocketEvent {
	t.Helper()
	postJSON, err := json.Marshal(post)
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]any{"post": string(postJSON)}
	for k, v := range extra {
		data[k] = v
	}
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, data)
}

func TestParsePostedEvent(t *testing.T) {
	t.Parallel()
	client := newTestMirrorClient(t, "http://localhost")

	post, err := client.parsePostedEvent(postedEvent(t, &model.Post{
		Id: "p1", ChannelId: "src1", UserId: "someone", Message: "deal",
	}, nil))
	if err != nil {
		t.Fatalf("parsePostedEvent: %v", err)
	}
	if post == nil || post.Id != "p1" {
		t.Fatalf("got %+v, want post p1", post)
	}
}

func TestParsePostedEventSkips(t *testing.T) {
	t.Parallel()
	client := newTestMirrorClient(t, "http://localhost")

	cases := []struct {
		name string
		post *model.Post
	}{
		{"own post", &model.Post{Id: "p1", ChannelId: "src1", UserId: "relaybot"}},
		{"system message", &model.Post{Id: "p2", ChannelId: "src1", UserId: "u1", Type: model.PostTypeJoinChannel}},
		{"unwatched channel", &model.Post{Id: "p3", ChannelId: "elsewhere", UserId: "u1"}},
	}
	for _, c := range cases {
		post, err := client.parsePostedEvent(postedEvent(t, c.post, nil))
		if err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if post != nil {
			t.Errorf("%s: should be skipped, got %+v", c.name, post)
		}
	}

	// Malformed event data is an error, not a silent skip.
	evt := newWebSocketEvent(model.WebsocketEventPosted, "src1", map[string]any{})
	if _, err := client.parsePostedEvent(evt); err == nil {
		t.Error("missing post data should be an error")
	}
}

func TestHandlePostedForwardsToProcessor(t *testing.T) {
	t.Parallel()
	client := newTestMirrorClient(t, "http://localhost")

	var got []Message
	client.SetProcessor(processorFunc(func(_ context.Context, msg Message) error {
		got = append(got, msg)
		return nil
	}))

	client.handlePosted(postedEvent(t, &model.Post{
		Id:        "p1",
		ChannelId: "src1",
		UserId:    "someone",
		Message:   "big deal",
		FileIds:   []string{"file1", "file2"},
	}, map[string]any{"channel_display_name": "Deals"}))

	if len(got) != 1 {
		t.Fatalf("processed count: got %d, want 1", len(got))
	}
	msg := got[0]
	if msg.SourceID != "src1" || msg.MessageID != "p1" || msg.Text != "big deal" {
		t.Errorf("message: got %+v", msg)
	}
	if msg.Attachment == nil || msg.Attachment.ID != "file1" {
		t.Errorf("attachment: got %+v, want file1", msg.Attachment)
	}

	// The display name was recorded for the admin view.
	stats, err := client.store.ChannelStats(context.Background(), []string{"src1"})
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if stats[0].Name != "Deals" {
		t.Errorf("channel label: got %q, want Deals", stats[0].Name)
	}
}

type processorFunc func(ctx context.Context, msg Message) error

func (f processorFunc) Process(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

func TestDeliverText(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	defer fake.Close()
	client := newTestMirrorClient(t, fake.Server.URL)

	err := client.Deliver(context.Background(), "cleaned text", nil)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	posts := fake.Posts()
	if len(posts) != 1 {
		t.Fatalf("post count: got %d, want 1", len(posts))
	}
	post := posts[0]
	if post.ChannelId != "destchan" {
		t.Errorf("channel: got %q, want destchan", post.ChannelId)
	}
	if post.Message != "cleaned text" {
		t.Errorf("message: got %q", post.Message)
	}
	if v, ok := post.GetProp("disable_group_highlight").(bool); !ok || !v {
		t.Errorf("post should be marked quiet, props %v", post.GetProps())
	}
}

func TestDeliverAttachment(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	defer fake.Close()
	fake.Files["file1"] = []byte("png bytes")
	client := newTestMirrorClient(t, fake.Server.URL)

	err := client.Deliver(context.Background(), "caption", &Attachment{ID: "file1"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	posts := fake.Posts()
	if len(posts) != 1 {
		t.Fatalf("post count: got %d, want 1", len(posts))
	}
	post := posts[0]
	if len(post.FileIds) != 1 || post.FileIds[0] != "uploaded1" {
		t.Errorf("file ids: got %v, want [uploaded1]", post.FileIds)
	}
	if post.Message != "caption" {
		t.Errorf("message: got %q", post.Message)
	}
}
