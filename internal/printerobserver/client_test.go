package printerobserver

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePrintState(t *testing.T) {
	cases := map[string]PrintState{
		"printing":  PrintPrinting,
		"Paused":    PrintPaused,
		"complete":  PrintComplete,
		"cancelled": PrintCancelled,
		"canceled":  PrintCancelled,
		"error":     PrintError,
		"ready":     PrintStandby,
		"":          PrintStandby,
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizePrintState(raw))
	}
}

func TestToWebSocketURL(t *testing.T) {
	ws, err := toWebSocketURL("http://printer.local:7125")
	require.NoError(t, err)
	assert.Equal(t, "ws://printer.local:7125/websocket", ws)

	wss, err := toWebSocketURL("https://printer.local")
	require.NoError(t, err)
	assert.Equal(t, "wss://printer.local/websocket", wss)

	trimmed, err := toWebSocketURL("http://printer.local/")
	require.NoError(t, err)
	assert.Equal(t, "ws://printer.local/websocket", trimmed)
}

func TestHandleStatusPayloadReportsPrintStateFromQueryResult(t *testing.T) {
	c := New("http://printer.local", 0)
	lg := slog.Default()

	payload := []byte(`{"result":{"status":{"print_stats":{"state":"printing"}}}}`)
	c.handleStatusPayload(payload, lg)

	select {
	case evt := <-c.Events():
		changed, ok := evt.(PrintStateChanged)
		require.True(t, ok)
		assert.Equal(t, PrintPrinting, changed.State)
	default:
		t.Fatal("expected PrintStateChanged event")
	}
}

func TestHandleStatusPayloadDedupesUnchangedState(t *testing.T) {
	c := New("http://printer.local", 0)
	lg := slog.Default()

	payload := []byte(`{"result":{"status":{"print_stats":{"state":"printing"}}}}`)
	c.handleStatusPayload(payload, lg)
	<-c.Events()

	c.handleStatusPayload(payload, lg)
	select {
	case evt := <-c.Events():
		t.Fatalf("expected no event for unchanged state, got %#v", evt)
	default:
	}
}

func TestHandleStatusPayloadReportsSensorFromWebsocketParams(t *testing.T) {
	c := New("http://printer.local", 0)
	lg := slog.Default()

	payload := []byte(`{"params":[{"filament_switch_sensor extruder0":{"filament_detected":false}}]}`)
	c.handleStatusPayload(payload, lg)

	select {
	case evt := <-c.Events():
		changed, ok := evt.(SensorChanged)
		require.True(t, ok)
		assert.Equal(t, "extruder0", changed.Sensor)
		assert.False(t, changed.FilamentDetected)
	default:
		t.Fatal("expected SensorChanged event")
	}
}

func TestHandleStatusPayloadIgnoresMalformedJSON(t *testing.T) {
	c := New("http://printer.local", 0)
	lg := slog.Default()
	c.handleStatusPayload([]byte("not json"), lg)

	select {
	case evt := <-c.Events():
		t.Fatalf("expected no event for malformed payload, got %#v", evt)
	default:
	}
}

func TestSetActiveExtruderReflectedInPrintStateChanged(t *testing.T) {
	c := New("http://printer.local", 0)
	c.SetActiveExtruder(2)
	lg := slog.Default()

	payload := []byte(`{"result":{"status":{"print_stats":{"state":"paused"}}}}`)
	c.handleStatusPayload(payload, lg)

	evt := (<-c.Events()).(PrintStateChanged)
	assert.Equal(t, 2, evt.ActiveExtruder)
}
