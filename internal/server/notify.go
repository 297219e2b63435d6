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

	"closeline/internal/config"
	"closeline/internal/domain"
	"closeline/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// notifyDispatcher tails the ledger and posts matching events to the
// configured endpoints. Each endpoint keeps its own cursor, so a slow or
// failing receiver never blocks the others.
type notifyDispatcher struct {
	engine    engine.Engine
	notifiers []config.NotifierConfig
	client    *http.Client
	mu        sync.Mutex
	cursors   map[int]int64
}

func startNotifyDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifiers) == 0 {
		return
	}
	d := &notifyDispatcher{
		engine:    e,
		notifiers: e.Config.Notifiers,
		client:    &http.Client{Timeout: defaultNotifyTimeout},
		cursors:   make(map[int]int64),
	}
	go d.run()
}

func (d *notifyDispatcher) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *notifyDispatcher) dispatchAll() {
	for i, hook := range d.notifiers {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatch(i, hook)
	}
}

func (d *notifyDispatcher) dispatch(idx int, hook config.NotifierConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		slog.Error("notify: fetch events failed", "err", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			slog.Error("notify: delivery failed", "url", hook.URL, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a new endpoint at the ledger head: notifications cover
// events from startup onward, not history.
func (d *notifyDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		slog.Error("notify: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *notifyDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type notifyEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Period     string          `json:"period,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *notifyDispatcher) postEvent(ctx context.Context, hook config.NotifierConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := notifyEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Period:     evt.Period,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
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
	req.Header.Set("X-Closeline-Event", evt.Type)
	req.Header.Set("X-Closeline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Closeline-Secret", hook.Secret)
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

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
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
