package phone_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phone_system/pkg/phone"
)

func TestQualityCollectedFromEngine(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallQuality)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	call := engine.endpoint.account.calls[0]

	call.mu.Lock()
	call.statsErr = nil
	call.stats = phone.CallQuality{
		RTT:        42 * time.Millisecond,
		Jitter:     3 * time.Millisecond,
		PacketLoss: 0.002,
		AudioLevel: 0.7,
	}
	call.mu.Unlock()

	call.fireState(phone.EngineCallConfirmed)

	require.Eventually(t, func() bool {
		return rec.count(phone.EventCallQuality) >= 1
	}, time.Second, 5*time.Millisecond)

	payload := rec.last(phone.EventCallQuality).(phone.CallQualityPayload)
	assert.Equal(t, id, payload.Call.ID)
	assert.Equal(t, 42*time.Millisecond, payload.Quality.RTT)
	assert.Equal(t, 0.002, payload.Quality.PacketLoss)

	// Снимок качества сохраняется в сессии
	snap := ps.GetCall(id)
	require.NotNil(t, snap.Quality)
	assert.Equal(t, 42*time.Millisecond, snap.Quality.RTT)
}

func TestQualitySynthesizedWhenStatsUnavailable(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallQuality)

	_, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	// Мок по умолчанию возвращает ErrStatsUnavailable
	engine.endpoint.account.calls[0].fireState(phone.EngineCallConfirmed)

	require.Eventually(t, func() bool {
		return rec.count(phone.EventCallQuality) >= 1
	}, time.Second, 5*time.Millisecond)

	payload := rec.last(phone.EventCallQuality).(phone.CallQualityPayload)
	assert.Greater(t, payload.Quality.RTT, time.Duration(0))
	assert.GreaterOrEqual(t, payload.Quality.AudioLevel, 0.0)
	assert.LessOrEqual(t, payload.Quality.PacketLoss, 1.0)
}

func TestQualityNotCollectedBeforeConfirm(t *testing.T) {
	ps, _ := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallQuality)

	_, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)

	// Вызов еще не подтвержден: качества быть не должно
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count(phone.EventCallQuality))
}

func TestQualityCollectedOnHold(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallQuality)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	engine.endpoint.account.calls[0].fireState(phone.EngineCallConfirmed)
	require.NoError(t, ps.HoldCall(context.Background(), id))

	require.Eventually(t, func() bool {
		return rec.count(phone.EventCallQuality) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestQualityStopsAfterHangup(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallQuality)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	engine.endpoint.account.calls[0].fireState(phone.EngineCallConfirmed)

	require.Eventually(t, func() bool {
		return rec.count(phone.EventCallQuality) >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ps.HangupCall(context.Background(), id))

	// Даем завершиться проходу сбора, который мог начаться до hangup
	time.Sleep(50 * time.Millisecond)
	count := rec.count(phone.EventCallQuality)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, count, rec.count(phone.EventCallQuality))
}
