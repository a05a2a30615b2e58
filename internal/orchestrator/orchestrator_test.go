package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingda3d/filament-hub/internal/config"
	"github.com/mingda3d/filament-hub/internal/printerobserver"
	"github.com/mingda3d/filament-hub/internal/protocol"
	"github.com/mingda3d/filament-hub/internal/rfid"
	"github.com/mingda3d/filament-hub/internal/stateman"
)

// fakeEngine is a test double for the Engine interface, recording every
// outbound send so assertions can inspect them without a real CAN link.
type fakeEngine struct {
	mu sync.Mutex

	events chan protocol.InboundEvent

	requestFeedCalls []int
	statusResponses  []protocol.FilamentStatus
	mappingResponses [][]protocol.MappingTriple
	printNotifies    []protocol.PrintStateCommand
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan protocol.InboundEvent, 16)}
}

func (f *fakeEngine) Events() <-chan protocol.InboundEvent { return f.events }

func (f *fakeEngine) SendRequestFeed(extruderID int, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestFeedCalls = append(f.requestFeedCalls, extruderID)
	return nil
}

func (f *fakeEngine) SendFilamentStatusResponse(status protocol.FilamentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusResponses = append(f.statusResponses, status)
	return nil
}

func (f *fakeEngine) SendMappingResponse(triples []protocol.MappingTriple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappingResponses = append(f.mappingResponses, triples)
	return nil
}

func (f *fakeEngine) SendPrintStateNotify(cmd protocol.PrintStateCommand, extruderID *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.printNotifies = append(f.printNotifies, cmd)
	return nil
}

func (f *fakeEngine) SendRFIDDataRequest(extruderID int) error { return nil }

// fakeObserver is a test double for the Observer interface.
type fakeObserver struct {
	mu sync.Mutex

	events chan printerobserver.ObserverEvent

	pauseCalls  int
	resumeCalls int
	cancelCalls int
	temps       [][2]float64
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{events: make(chan printerobserver.ObserverEvent, 16)}
}

func (f *fakeObserver) Events() <-chan printerobserver.ObserverEvent { return f.events }

func (f *fakeObserver) Pause(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return nil
}

func (f *fakeObserver) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls++
	return nil
}

func (f *fakeObserver) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeObserver) SetTemperature(ctx context.Context, hotend, bed float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temps = append(f.temps, [2]float64{hotend, bed})
	return nil
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.FilamentRunout.Enabled = true
	cfg.FilamentRunout.Sensors = []string{"extruder0", "extruder1"}
	cfg.ExtruderMapping.TubeMapping = map[int]int{0: 0, 1: 1}
	cfg.ExtruderMapping.DefaultActive = 0
	return cfg
}

func newHarness(t *testing.T) (*Orchestrator, *fakeEngine, *fakeObserver, *stateman.Manager) {
	t.Helper()
	engine := newFakeEngine()
	observer := newFakeObserver()
	sm := stateman.New()
	orch := New(testConfig(), engine, observer, sm, nil)
	return orch, engine, observer, sm
}

func runUntilIdle(ctx context.Context, orch *Orchestrator) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.Run(ctx)
	}()
	return done
}

func TestHandshakeAcceptedDrivesComponentsReady(t *testing.T) {
	orch, engine, observer, sm := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runUntilIdle(ctx, orch)

	engine.events <- protocol.HandshakeAccepted{Version: protocol.ProtocolVersion}

	assert.Eventually(t, func() bool {
		return sm.Current() == stateman.StateIdle
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	_ = observer
}

func TestSensorRunoutWhilePrintingPausesAndNotifies(t *testing.T) {
	orch, engine, observer, sm := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runUntilIdle(ctx, orch)

	require.NoError(t, sm.ComponentsReady(ctx))
	require.NoError(t, sm.PrintStarted(ctx))

	engine.events <- protocol.FilamentStatusQuery{} // only replies with the status bitmap while Printing
	observer.events <- printerobserver.SensorChanged{Sensor: "extruder0", FilamentDetected: false}

	assert.Eventually(t, func() bool {
		return sm.Current() == stateman.StateRunout
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		observer.mu.Lock()
		defer observer.mu.Unlock()
		return observer.pauseCalls == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		for _, cmd := range engine.printNotifies {
			if cmd == protocol.PrintPaused {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestFullRunoutFeedResumeCycleViaEvents(t *testing.T) {
	orch, engine, observer, sm := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runUntilIdle(ctx, orch)

	require.NoError(t, sm.ComponentsReady(ctx))
	require.NoError(t, sm.PrintStarted(ctx))

	observer.events <- printerobserver.SensorChanged{Sensor: "extruder0", FilamentDetected: false}
	assert.Eventually(t, func() bool { return sm.Current() == stateman.StateRunout }, time.Second, 5*time.Millisecond)

	observer.events <- printerobserver.PrintStateChanged{State: printerobserver.PrintPaused}
	assert.Eventually(t, func() bool { return sm.Current() == stateman.StateFeeding }, time.Second, 5*time.Millisecond)

	engine.events <- protocol.FilamentStatusQuery{}
	// Zone for extruder 0 isn't present yet (zonesSeen defaults false), so
	// the reply must not synthesize feed completion.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stateman.StateFeeding, sm.Current())

	observer.events <- printerobserver.SensorChanged{Sensor: "extruder0", FilamentDetected: true}
	engine.events <- protocol.FilamentStatusQuery{}

	assert.Eventually(t, func() bool { return sm.Current() == stateman.StateResuming }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		observer.mu.Lock()
		defer observer.mu.Unlock()
		return observer.resumeCalls == 1
	}, time.Second, 5*time.Millisecond)

	observer.events <- printerobserver.PrintStateChanged{State: printerobserver.PrintPrinting}
	assert.Eventually(t, func() bool { return sm.Current() == stateman.StatePrinting }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestPrintCompleteReturnsToIdleAndNotifiesCabinet(t *testing.T) {
	orch, engine, observer, sm := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runUntilIdle(ctx, orch)

	require.NoError(t, sm.ComponentsReady(ctx))
	require.NoError(t, sm.PrintStarted(ctx))

	observer.events <- printerobserver.PrintStateChanged{State: printerobserver.PrintComplete}
	assert.Eventually(t, func() bool { return sm.Current() == stateman.StateIdle }, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		for _, cmd := range engine.printNotifies {
			if cmd == protocol.PrintCompleted {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRFIDZeroLengthSessionPersistsEmptyRecordNotError(t *testing.T) {
	engine := newFakeEngine()
	observer := newFakeObserver()
	sm := stateman.New()
	sink, err := rfid.NewSink(t.TempDir())
	require.NoError(t, err)
	orch := New(testConfig(), engine, observer, sm, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runUntilIdle(ctx, orch)

	finishedAt := time.Now()
	engine.events <- protocol.RFIDSessionComplete{
		ExtruderID: 0,
		ChannelID:  0,
		Data:       nil,
		FinishedAt: finishedAt,
	}

	var stored rfid.StoredRecord
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(sink.DataDir, "filament_extruder_0.json"))
		if err != nil {
			return false
		}
		return json.Unmarshal(data, &stored) == nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, stored.ExtruderID)
	assert.Equal(t, rfid.Record{}, stored.Record)

	cancel()
	<-done
}

func TestMappingQueryRepliesWithConfiguredMapping(t *testing.T) {
	orch, engine, _, _ := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runUntilIdle(ctx, orch)

	engine.events <- protocol.MappingQuery{}

	assert.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return len(engine.mappingResponses) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestMappingSetReplacesWorkingMappingWithoutTouchingConfig(t *testing.T) {
	orch, engine, _, _ := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runUntilIdle(ctx, orch)

	engine.events <- protocol.MappingSet{TubeMapping: map[int]int{0: 5}}

	assert.Eventually(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return orch.mapping[0] == 5
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, orch.cfg.ExtruderMapping.TubeMapping[0])

	cancel()
	<-done
}
