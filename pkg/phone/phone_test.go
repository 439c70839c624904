package phone_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phone_system/pkg/phone"
)

// testConfig конфигурация с короткими интервалами для тестов
func testConfig() *phone.Config {
	cfg := phone.DefaultConfig()
	cfg.URI = "sip:alice@pbx.example.com"
	cfg.Username = "alice"
	cfg.Password = "secret"
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.QualityInterval = 25 * time.Millisecond
	cfg.AutoAnswerDelay = 10 * time.Millisecond
	cfg.Logger = phone.NopLogger()
	return cfg
}

// eventRecorder собирает payload событий по именам
type eventRecorder struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func recordEvents(ps *phone.PhoneSystem, names ...string) *eventRecorder {
	r := &eventRecorder{events: make(map[string][]interface{})}
	for _, name := range names {
		name := name
		ps.On(name, func(payload interface{}) {
			r.mu.Lock()
			r.events[name] = append(r.events[name], payload)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[name])
}

func (r *eventRecorder) last(name string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.events[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// newTestSystem создает инициализированную систему с мок движком
func newTestSystem(t *testing.T) (*phone.PhoneSystem, *mockEngine) {
	t.Helper()

	engine := newMockEngine()
	ps, err := phone.NewPhoneSystem(testConfig(), engine)
	require.NoError(t, err)

	require.NoError(t, ps.Initialize(context.Background()))
	t.Cleanup(func() { ps.Destroy(context.Background()) })
	return ps, engine
}

func TestInitializeRegistersAccount(t *testing.T) {
	engine := newMockEngine()
	ps, err := phone.NewPhoneSystem(testConfig(), engine)
	require.NoError(t, err)
	defer ps.Destroy(context.Background())

	rec := recordEvents(ps, phone.EventRegistrationSuccess)

	assert.False(t, ps.IsPhoneReady())
	require.NoError(t, ps.Initialize(context.Background()))

	assert.True(t, ps.IsPhoneReady())
	assert.True(t, ps.IsRegistered())
	assert.Equal(t, phone.RegistrationStateRegistered, ps.GetRegistrationState())
	assert.Equal(t, 1, rec.count(phone.EventRegistrationSuccess))
	assert.Equal(t, 1, engine.endpoint.account.registerCount())
}

func TestInitializeIdempotent(t *testing.T) {
	ps, engine := newTestSystem(t)

	require.NoError(t, ps.Initialize(context.Background()))
	// Повторная инициализация не перерегистрирует аккаунт
	assert.Equal(t, 1, engine.endpoint.account.registerCount())
}

func TestInitializeConcurrentCreatesSingleEndpoint(t *testing.T) {
	engine := newMockEngine()
	block := make(chan struct{})
	engine.createBlock = block

	ps, err := phone.NewPhoneSystem(testConfig(), engine)
	require.NoError(t, err)
	defer ps.Destroy(context.Background())

	done := make(chan error, 1)
	go func() { done <- ps.Initialize(context.Background()) }()

	require.Eventually(t, func() bool {
		return engine.createEndpointCount() == 1
	}, time.Second, time.Millisecond)

	// Initialize во время идущей подготовки — no-op, второй endpoint
	// не создается
	require.NoError(t, ps.Initialize(context.Background()))
	assert.Equal(t, 1, engine.createEndpointCount())

	close(block)
	require.NoError(t, <-done)

	assert.True(t, ps.IsPhoneReady())
	assert.Equal(t, 1, engine.endpoint.account.registerCount())
}

func TestInitializeWithoutEngine(t *testing.T) {
	ps, err := phone.NewPhoneSystem(testConfig(), nil)
	require.NoError(t, err)

	rec := recordEvents(ps, phone.EventError)

	err = ps.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, phone.ErrEngineUnavailable))

	require.Equal(t, 1, rec.count(phone.EventError))
	payload := rec.last(phone.EventError).(phone.ErrorPayload)
	assert.Equal(t, "initialization", payload.Context)
	assert.False(t, ps.IsPhoneReady())
}

func TestNewPhoneSystemInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.URI = "tel:+100"

	_, err := phone.NewPhoneSystem(cfg, newMockEngine())
	require.Error(t, err)

	var perr *phone.PhoneError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, phone.ErrorCategoryValidation, perr.Category)
}

func TestDestroyHangsUpCallsAndCloses(t *testing.T) {
	engine := newMockEngine()
	ps, err := phone.NewPhoneSystem(testConfig(), engine)
	require.NoError(t, err)
	require.NoError(t, ps.Initialize(context.Background()))

	_, err = ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	require.Len(t, ps.GetActiveCalls(), 1)

	ps.Destroy(context.Background())

	assert.Empty(t, ps.GetActiveCalls())
	assert.True(t, engine.endpoint.closed)
	assert.Equal(t, 1, engine.endpoint.account.calls[0].hangupCount())

	// Повторный Destroy безопасен
	ps.Destroy(context.Background())
}

func TestGetCallUnknownID(t *testing.T) {
	ps, _ := newTestSystem(t)

	assert.Nil(t, ps.GetCall("missing"))
	assert.Equal(t, "", ps.GetActiveCallNumber())
}

func TestGetStatsAggregatesActiveCalls(t *testing.T) {
	ps, engine := newTestSystem(t)

	id1, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	_, err = ps.MakeCall(context.Background(), "200", phone.CallOptions{})
	require.NoError(t, err)

	engine.endpoint.account.calls[0].fireState(phone.EngineCallConfirmed)
	require.NoError(t, ps.HoldCall(context.Background(), id1))

	stats := ps.GetStats()
	assert.Equal(t, 2, stats.ActiveCalls)
	assert.Equal(t, 2, stats.OutboundCalls)
	assert.Equal(t, 0, stats.InboundCalls)
	assert.Equal(t, 1, stats.CallsOnHold)
	assert.Equal(t, phone.RegistrationStateRegistered, stats.Registration)
}

func TestGetActiveCallsOrderedByStart(t *testing.T) {
	ps, _ := newTestSystem(t)

	first, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := ps.MakeCall(context.Background(), "200", phone.CallOptions{})
	require.NoError(t, err)

	calls := ps.GetActiveCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, first, calls[0].ID)
	assert.Equal(t, second, calls[1].ID)
	assert.Equal(t, "100", ps.GetActiveCallNumber())
}

func TestMediaDevices(t *testing.T) {
	ps, _ := newTestSystem(t)

	devices, err := ps.GetMediaDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.True(t, ps.TestMicrophone(context.Background()))
	assert.True(t, ps.TestSpeaker(context.Background()))
	assert.NoError(t, ps.SetAudioSettings(context.Background(), phone.AudioSettings{Volume: 0.5}))
}
