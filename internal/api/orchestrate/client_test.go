package orchestrate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/agent-relay/internal/domain"
)

func TestBuildRunPayload(t *testing.T) {
	tests := []struct {
		name     string
		req      domain.ChatRequest
		expected string
	}{
		{
			name:     "new thread",
			req:      domain.ChatRequest{Message: "hi"},
			expected: `{"message":{"role":"user","content":"hi"},"agent_id":"agent-1"}`,
		},
		{
			name:     "existing thread",
			req:      domain.ChatRequest{Message: "hi", ThreadID: "t1"},
			expected: `{"message":{"role":"user","content":"hi"},"agent_id":"agent-1","thread_id":"t1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildRunPayload("agent-1", tt.req)
			if err != nil {
				t.Fatalf("BuildRunPayload() error = %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("BuildRunPayload() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestClient_StartRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != runsPath || r.URL.Query().Get("stream") != "true" {
			t.Errorf("unexpected URL %s", r.URL)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "message.content").String(); got != "hello" {
			t.Errorf("message.content = %q", got)
		}
		w.Write([]byte("{\"event\":\"run.started\",\"data\":{}}\n"))
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", "agent-1")
	stream, err := c.StartRun(context.Background(), "tok", domain.ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	defer stream.Close()

	data, _ := io.ReadAll(stream)
	if !strings.Contains(string(data), "run.started") {
		t.Errorf("stream = %q", data)
	}
}

func TestClient_StartRun_StatusErrorIsTruncated(t *testing.T) {
	long := strings.Repeat("x", 10_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(long))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "agent-1").StartRun(context.Background(), "tok", domain.ChatRequest{Message: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("StartRun() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", statusErr.StatusCode)
	}
	if len(statusErr.Body) != maxErrorBody {
		t.Errorf("len(Body) = %d, want %d", len(statusErr.Body), maxErrorBody)
	}
}

func TestClient_ListMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != threadsPath+"/t 1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"m1","role":"assistant","content":[{"text":"42"}]}]`))
	}))
	defer server.Close()

	msgs, err := NewClient(server.URL, "a").ListMessages(context.Background(), "tok", "t 1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Text() != "42" {
		t.Errorf("ListMessages() = %+v", msgs)
	}
}

func TestClient_ListMessages_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "a", WithPollTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := c.ListMessages(context.Background(), "tok", "t1")
	if err == nil {
		t.Fatal("ListMessages() should fail on timeout")
	}
	if time.Since(start) > time.Second {
		t.Errorf("ListMessages() took %v, poll timeout not applied", time.Since(start))
	}
}

func TestParseMessages(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantIDs []string
		wantErr bool
	}{
		{"top level list", `[{"id":"a","role":"user"},{"id":"b","role":"assistant"}]`, []string{"a", "b"}, false},
		{"nested messages", `{"messages":[{"id":"a"}]}`, []string{"a"}, false},
		{"nested data", `{"data":[{"id":"a"}]}`, []string{"a"}, false},
		{"nested items", `{"items":[{"message_id":"a"}]}`, []string{"a"}, false},
		{"first key wins even if not a list", `{"messages":{"x":1},"data":[{"id":"a"}]}`, nil, false},
		{"unknown object", `{"other":[{"id":"a"}]}`, nil, false},
		{"scalar", `42`, nil, false},
		{"non object entries skipped", `[1,"x",{"id":"a"}]`, []string{"a"}, false},
		{"malformed", `{"messages":[`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := ParseMessages([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessages() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !domain.IsErrorType(err, domain.ErrorTypeParse) {
				t.Errorf("error type = %v, want parse", err)
			}
			var ids []string
			for _, m := range msgs {
				ids = append(ids, m.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.wantIDs, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestParseMessages_ContentFragments(t *testing.T) {
	body := `[{"id":"m","role":"assistant","content":[{"text":"one"},"two",{"type":"image"},{"text":""},3]}]`
	msgs, err := ParseMessages([]byte(body))
	if err != nil {
		t.Fatalf("ParseMessages() error = %v", err)
	}
	if got := msgs[0].Text(); got != "one\n\ntwo" {
		t.Errorf("Text() = %q, want %q", got, "one\n\ntwo")
	}
}
