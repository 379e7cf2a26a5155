package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"redub/internal/config"
)

const userAgent = "Redub-Go/0.1.0"

// Event enumerates the pipeline milestones that can notify.
type Event string

const (
	// EventReviewPending fires when a walk parks at a review checkpoint.
	EventReviewPending Event = "review_pending"
	// EventEpisodePublished fires when an episode reaches the listing.
	EventEpisodePublished Event = "episode_published"
	// EventEpisodeFailed fires when a stage halts an episode.
	EventEpisodeFailed Event = "episode_failed"
	// EventCostLimit fires when an episode hits its budget cap.
	EventCostLimit Event = "cost_limit"
	// EventBatchCompleted fires when the daemon drains its work.
	EventBatchCompleted Event = "batch_completed"
	// EventTest verifies delivery end to end.
	EventTest Event = "test"
)

// Payload carries event fields into the message formatter. Values may be
// strings, numbers, errors, or durations; the formatter renders them.
type Payload map[string]any

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		settings: cfg.Notifications,
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		window:   time.Duration(cfg.Notifications.DedupWindowSeconds) * time.Second,
		sent:     make(map[string]time.Time),
		now:      time.Now,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	settings config.Notifications
	endpoint string
	client   *http.Client
	window   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// Publish renders and delivers one event. Events whose switch is off and
// repeats inside the dedup window are dropped without error.
func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled(event) {
		return nil
	}
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	if n.deduped(event, msg.body) {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) enabled(event Event) bool {
	switch event {
	case EventReviewPending:
		return n.settings.Review
	case EventEpisodePublished:
		return n.settings.Publish
	case EventEpisodeFailed:
		return n.settings.Errors
	case EventCostLimit:
		return n.settings.CostLimit
	case EventBatchCompleted:
		return n.settings.Batch
	case EventTest:
		return true
	}
	return false
}

// deduped reports whether the same event body went out inside the window,
// recording this delivery otherwise. Stale entries are pruned on the way.
func (n *ntfyService) deduped(event Event, body string) bool {
	if n.window <= 0 {
		return false
	}
	key := string(event) + "\x00" + body
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.sent[key]; ok && now.Sub(last) < n.window {
		return true
	}
	for k, at := range n.sent {
		if now.Sub(at) >= n.window {
			delete(n.sent, k)
		}
	}
	n.sent[key] = now
	return false
}

func render(event Event, payload Payload) (message, bool) {
	switch event {
	case EventReviewPending:
		label := payload.text("title")
		if label == "" {
			label = payload.text("episode")
		}
		body := fmt.Sprintf("📝 Review ready: %s", label)
		if stage := payload.text("stage"); stage != "" {
			body = fmt.Sprintf("%s (%s)", body, stage)
		}
		return message{
			title: "Redub - Review Needed",
			body:  body,
			tags:  []string{"redub", "review", "pending"},
		}, true

	case EventEpisodePublished:
		label := payload.text("title")
		if label == "" {
			label = payload.text("episode")
		}
		body := fmt.Sprintf("✅ Published: %s", label)
		if url := payload.text("url"); url != "" {
			body = fmt.Sprintf("%s\nURL: %s", body, url)
		}
		return message{
			title:    "Redub - Published",
			body:     body,
			tags:     []string{"redub", "publish", "completed"},
			priority: "high",
		}, true

	case EventEpisodeFailed:
		var builder strings.Builder
		builder.WriteString("❌ Error")
		if label := payload.text("context"); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		if detail := payload.text("error"); detail != "" {
			builder.WriteString(detail)
		} else {
			builder.WriteString("unknown")
		}
		return message{
			title:    "Redub - Error",
			body:     builder.String(),
			tags:     []string{"redub", "error", "alert"},
			priority: "high",
		}, true

	case EventCostLimit:
		return message{
			title: "Redub - Cost Limit",
			body: fmt.Sprintf("💸 Cost cap reached: %s spent $%.2f of $%.2f",
				payload.text("episode"), payload.amount("spent"), payload.amount("cap")),
			tags:     []string{"redub", "cost", "alert"},
			priority: "high",
		}, true

	case EventBatchCompleted:
		processed := payload.count("processed")
		failed := payload.count("failed")
		span := payload.span("duration").Round(time.Second)
		if span <= 0 {
			span = 0
		}
		title := "Redub - Batch Complete"
		body := fmt.Sprintf("Batch complete: %d episodes processed in %s", processed, span)
		if failed > 0 {
			title = "Redub - Batch Complete (with errors)"
			body = fmt.Sprintf("Batch complete: %d succeeded, %d failed in %s", processed, failed, span)
		}
		return message{
			title: title,
			body:  body,
			tags:  []string{"redub", "batch", "completed"},
		}, true

	case EventTest:
		return message{
			title:    "Redub - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"redub", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p Payload) text(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (p Payload) count(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (p Payload) amount(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func (p Payload) span(key string) time.Duration {
	if v, ok := p[key].(time.Duration); ok {
		return v
	}
	return 0
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
