package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"sprintboard/internal/config"
	"sprintboard/internal/events"
	"sprintboard/internal/protocol"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// JournalReader is the journal surface the dispatcher reads by cursor.
type JournalReader interface {
	EntriesAfter(ctx context.Context, cursor int64, limit int) ([]events.JournalEntry, error)
	LatestID(ctx context.Context) (int64, error)
}

// WebhookDispatcher posts journal events to configured hooks. Each hook keeps
// its own cursor, starting at the journal head when the dispatcher first sees it.
type WebhookDispatcher struct {
	journal  JournalReader
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// NewWebhookDispatcher returns nil when no hooks are configured.
func NewWebhookDispatcher(journal JournalReader, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if journal == nil || len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		journal:  journal,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.journal.EntriesAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.WarnContext(ctx, "fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(string(entry.Type)) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, entry); err != nil {
			d.logger.WarnContext(ctx, "delivery failed", "url", hook.URL, "sprint_id", entry.SprintID, "sequence", entry.Sequence, "error", err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.journal.LatestID(ctx)
	if err != nil {
		d.logger.WarnContext(ctx, "init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	EventID  string          `json:"event_id"`
	SprintID string          `json:"sprint_id"`
	Sequence uint64          `json:"sequence_number"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, entry events.JournalEntry) error {
	payload, err := protocol.EncodeEvent(entry.TaskEvent)
	if err != nil {
		return err
	}
	data, err := json.Marshal(webhookEvent{
		EventID:  entry.TaskEvent.ID,
		SprintID: entry.SprintID,
		Sequence: entry.Sequence,
		Type:     string(entry.Type),
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sprintboard-Event", string(entry.Type))
	req.Header.Set("X-Sprintboard-Delivery", ulid.Make().String())
	req.Header.Set("X-Sprintboard-Sprint", entry.SprintID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Sprintboard-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	if len(types) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, evt := range types {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
