package printerobserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// unreachableThreshold is the number of consecutive PrinterUnreachable
// events after which the caller should treat the printer as fatally
// gone (spec §7's "repeated PrinterUnreachable beyond a threshold").
const unreachableThreshold = 5

// Client is the printer-side collaborator boundary of spec §4/§6. It
// prefers a push subscription over gorilla/websocket (grounded on the
// dialer pattern surveyed in the reference pack's printer-bridge clients)
// and falls back to HTTP polling of BaseURL at UpdateInterval (grounded on
// the Moonraker StatePoller survey), the dual-mode shape spec.md §6 names
// for klipper.base_url.
type Client struct {
	BaseURL        string
	UpdateInterval time.Duration
	HTTPClient     *http.Client

	events chan ObserverEvent

	activeExtruder int
	lastState      PrintState
	lastSensors    map[string]bool
	unreachables   int
}

// SetActiveExtruder records which extruder index PrintStateChanged events
// should report as active, per extruder_mapping.default_active.
func (c *Client) SetActiveExtruder(extruderID int) {
	c.activeExtruder = extruderID
}

// New constructs a Client. baseURL is klipper.base_url; updateInterval is
// klipper.update_interval, the HTTP-poll fallback's pacing.
func New(baseURL string, updateInterval time.Duration) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		UpdateInterval: updateInterval,
		HTTPClient:     &http.Client{Timeout: 10 * time.Second},
		events:         make(chan ObserverEvent, 32),
		lastSensors:    make(map[string]bool),
	}
}

// Events is the single channel the orchestrator drains.
func (c *Client) Events() <-chan ObserverEvent { return c.events }

func (c *Client) emit(evt ObserverEvent) {
	select {
	case c.events <- evt:
	default:
		slog.Warn("printerobserver: event channel full, dropping event", "event", fmt.Sprintf("%T", evt))
	}
}

// Run subscribes to the printer's websocket status stream, falling back to
// HTTP polling when the socket cannot be established, reconnecting with
// the same exponential backoff policy the CAN link uses. It blocks until
// ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: 1 * time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			return
		}
		correlationID := uuid.NewString()
		lg := slog.With("subsystem", "printerobserver", "correlation_id", correlationID)

		err := c.runWebSocket(ctx, lg)
		if err == nil {
			return // ctx cancelled cleanly mid-stream
		}
		lg.Warn("printerobserver: websocket session ended, falling back to polling", "error", err)
		c.emit(SubscribeFailed{Err: err})

		pollErr := c.runPolling(ctx, lg, b.Duration())
		if pollErr == nil {
			return
		}
		c.recordUnreachable(pollErr)

		d := b.Duration()
		lg.Warn("printerobserver: printer unreachable, backing off", "error", pollErr, "backoff", d)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func (c *Client) recordUnreachable(err error) {
	c.unreachables++
	c.emit(PrinterUnreachable{Err: err})
	if c.unreachables >= unreachableThreshold {
		slog.Error("printerobserver: printer unreachable beyond threshold", "count", c.unreachables, "error", err)
	}
}

// runWebSocket dials BaseURL's websocket endpoint and decodes status-update
// pushes until the connection drops or ctx is cancelled. Returns nil only
// on clean ctx cancellation.
func (c *Client) runWebSocket(ctx context.Context, lg *slog.Logger) error {
	wsURL, err := toWebSocketURL(c.BaseURL)
	if err != nil {
		return fmt.Errorf("printerobserver: building websocket url: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("printerobserver: dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	c.unreachables = 0
	lg.Info("printerobserver: websocket connected", "url", wsURL)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			return fmt.Errorf("printerobserver: websocket read: %w", err)
		}
		c.handleStatusPayload(msg, lg)
	}
}

// runPolling polls BaseURL's status endpoint every UpdateInterval until it
// fails twice in a row (treated as PrinterUnreachable) or ctx is
// cancelled. initialDelay staggers the first poll after a backoff wait.
func (c *Client) runPolling(ctx context.Context, lg *slog.Logger, initialDelay time.Duration) error {
	ticker := time.NewTicker(c.UpdateInterval)
	defer ticker.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(initialDelay):
	}

	consecutiveFailures := 0
	for {
		if err := c.pollOnce(ctx, lg); err != nil {
			consecutiveFailures++
			if consecutiveFailures >= 2 {
				return err
			}
		} else {
			consecutiveFailures = 0
			c.unreachables = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, lg *slog.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/printer/objects/query?print_stats&extruder&filament_switch_sensor", nil)
	if err != nil {
		return fmt.Errorf("printerobserver: building status request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("printerobserver: status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("printerobserver: status request returned %s", resp.Status)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("printerobserver: reading status response: %w", err)
	}
	c.handleStatusPayload(buf.Bytes(), lg)
	return nil
}

// statusEnvelope loosely mirrors Klipper/Moonraker's object-query and
// status-update payload shapes, read as a generic map (the same
// RawStatus-as-map[string]interface{} approach the surveyed Moonraker
// bridge uses) since only a handful of fields matter here.
type statusEnvelope struct {
	Result *struct {
		Status map[string]json.RawMessage `json:"status"`
	} `json:"result"`
	Params []map[string]json.RawMessage `json:"params"`
}

func (c *Client) handleStatusPayload(raw []byte, lg *slog.Logger) {
	var env statusEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		lg.Warn("printerobserver: malformed status payload", "error", err)
		return
	}

	status := env.Result
	var fields map[string]json.RawMessage
	if status != nil {
		fields = status.Status
	} else if len(env.Params) > 0 {
		fields = env.Params[0]
	}
	if fields == nil {
		return
	}

	if raw, ok := fields["print_stats"]; ok {
		var ps struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(raw, &ps); err == nil && ps.State != "" {
			c.reportPrintState(normalizePrintState(ps.State))
		}
	}

	for key, raw := range fields {
		const prefix = "filament_switch_sensor "
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var sensor struct {
			FilamentDetected bool `json:"filament_detected"`
		}
		if err := json.Unmarshal(raw, &sensor); err != nil {
			continue
		}
		c.reportSensor(strings.TrimPrefix(key, prefix), sensor.FilamentDetected)
	}
}

func (c *Client) reportPrintState(state PrintState) {
	if state == c.lastState {
		return
	}
	c.lastState = state
	c.emit(PrintStateChanged{State: state, ActiveExtruder: c.activeExtruder})
}

func (c *Client) reportSensor(name string, detected bool) {
	if prev, ok := c.lastSensors[name]; ok && prev == detected {
		return
	}
	c.lastSensors[name] = detected
	c.emit(SensorChanged{Sensor: name, FilamentDetected: detected})
}

func normalizePrintState(raw string) PrintState {
	switch strings.ToLower(raw) {
	case "printing":
		return PrintPrinting
	case "paused":
		return PrintPaused
	case "complete":
		return PrintComplete
	case "cancelled", "canceled":
		return PrintCancelled
	case "error":
		return PrintError
	default:
		return PrintStandby
	}
}

func toWebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	return u.String(), nil
}
