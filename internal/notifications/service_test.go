package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"redub/internal/config"
	"redub/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventTest, nil); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "review pending",
			event: notifications.EventReviewPending,
			payload: notifications.Payload{
				"episode": "ep-042",
				"title":   "Folge 12: Der Besuch",
				"stage":   "correct",
			},
			expectTitle:   "Redub - Review Needed",
			expectMessage: "📝 Review ready: Folge 12: Der Besuch (correct)",
			expectTags:    "redub,review,pending",
		},
		{
			name:  "episode published",
			event: notifications.EventEpisodePublished,
			payload: notifications.Payload{
				"episode": "ep-042",
				"title":   "Bölüm 12",
				"url":     "https://youtu.be/abc123",
			},
			expectTitle:    "Redub - Published",
			expectMessage:  "✅ Published: Bölüm 12\nURL: https://youtu.be/abc123",
			expectTags:     "redub,publish,completed",
			expectPriority: "high",
		},
		{
			name:  "episode failed",
			event: notifications.EventEpisodeFailed,
			payload: notifications.Payload{
				"context": "episode ep-042",
				"error":   "tts: voice not found",
			},
			expectTitle:    "Redub - Error",
			expectMessage:  "❌ Error with episode ep-042: tts: voice not found",
			expectTags:     "redub,error,alert",
			expectPriority: "high",
		},
		{
			name:  "cost limit",
			event: notifications.EventCostLimit,
			payload: notifications.Payload{
				"episode": "ep-042",
				"spent":   12.5,
				"cap":     10.0,
			},
			expectTitle:    "Redub - Cost Limit",
			expectMessage:  "💸 Cost cap reached: ep-042 spent $12.50 of $10.00",
			expectTags:     "redub,cost,alert",
			expectPriority: "high",
		},
		{
			name:  "batch completed",
			event: notifications.EventBatchCompleted,
			payload: notifications.Payload{
				"processed": 3,
				"failed":    0,
				"duration":  42 * time.Second,
			},
			expectTitle:   "Redub - Batch Complete",
			expectMessage: "Batch complete: 3 episodes processed in 42s",
			expectTags:    "redub,batch,completed",
		},
		{
			name:  "batch completed with errors",
			event: notifications.EventBatchCompleted,
			payload: notifications.Payload{
				"processed": 2,
				"failed":    1,
				"duration":  90 * time.Second,
			},
			expectTitle:   "Redub - Batch Complete (with errors)",
			expectMessage: "Batch complete: 2 succeeded, 1 failed in 1m30s",
			expectTags:    "redub,batch,completed",
		},
		{
			name:           "test",
			event:          notifications.EventTest,
			payload:        nil,
			expectTitle:    "Redub - Test",
			expectMessage:  "🧪 Notification system test",
			expectTags:     "redub,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Fatalf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Fatalf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceDropsDisabledEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected call for disabled event: %s", r.URL.String())
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Review = false
	cfg.Notifications.Publish = false
	cfg.Notifications.Errors = false
	cfg.Notifications.CostLimit = false
	cfg.Notifications.Batch = false

	svc := notifications.NewService(&cfg)
	dropped := []notifications.Event{
		notifications.EventReviewPending,
		notifications.EventEpisodePublished,
		notifications.EventEpisodeFailed,
		notifications.EventCostLimit,
		notifications.EventBatchCompleted,
		notifications.Event("bogus"),
	}

	for _, event := range dropped {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"value": "ignored"}); err != nil {
			t.Fatalf("expected no error for disabled event %s, got %v", event, err)
		}
	}
}

func TestTestEventDeliversRegardlessOfSwitches(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Review = false
	cfg.Notifications.Publish = false
	cfg.Notifications.Errors = false
	cfg.Notifications.CostLimit = false
	cfg.Notifications.Batch = false

	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventTest, nil); err != nil {
		t.Fatalf("test notification failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 delivery, got %d", calls)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.DedupWindowSeconds = 600

	svc := notifications.NewService(&cfg)
	repeat := notifications.Payload{"context": "episode ep-042", "error": "download stalled"}
	for i := 0; i < 3; i++ {
		if err := svc.Publish(context.Background(), notifications.EventEpisodeFailed, repeat); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected repeats to dedup to 1 delivery, got %d", calls)
	}

	other := notifications.Payload{"context": "episode ep-042", "error": "render timed out"}
	if err := svc.Publish(context.Background(), notifications.EventEpisodeFailed, other); err != nil {
		t.Fatalf("publish distinct body failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected distinct body to deliver, got %d calls", calls)
	}
}

func TestPublishSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	svc := notifications.NewService(&cfg)
	err := svc.Publish(context.Background(), notifications.EventTest, nil)
	if err == nil {
		t.Fatal("expected error from 503 response")
	}
	if !strings.Contains(err.Error(), "ntfy returned 503") {
		t.Fatalf("unexpected error: %v", err)
	}
}
