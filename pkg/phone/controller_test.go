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

func TestMakeCallImmediateOutboundState(t *testing.T) {
	ps, _ := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallOutgoing)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Снимок доступен сразу после возврата, до каких-либо колбэков движка
	snap := ps.GetCall(id)
	require.NotNil(t, snap)
	assert.Equal(t, phone.DirectionOutbound, snap.Direction)
	assert.Equal(t, phone.CallStateCalling, snap.State)
	assert.Equal(t, "100", snap.RemoteNumber)
	assert.False(t, snap.StartTime.IsZero())
	assert.True(t, snap.AnswerTime.IsZero())

	require.Equal(t, 1, rec.count(phone.EventCallOutgoing))
	payload := rec.last(phone.EventCallOutgoing).(phone.CallPayload)
	assert.Equal(t, id, payload.Call.ID)
}

func TestMakeCallEngineFailureLeavesNoSession(t *testing.T) {
	ps, engine := newTestSystem(t)
	engine.endpoint.account.callErr = phone.NewEngineError(503, "service unavailable")

	rec := recordEvents(ps, phone.EventError)

	_, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.Error(t, err)

	var ee *phone.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 503, ee.Code)
	assert.True(t, phone.IsTemporary(err))

	// Двухканальная доставка: событие error и возвращенная ошибка
	require.Equal(t, 1, rec.count(phone.EventError))
	payload := rec.last(phone.EventError).(phone.ErrorPayload)
	assert.Equal(t, "make_call", payload.Context)

	// Частичная сессия не остается в активном наборе
	assert.Empty(t, ps.GetActiveCalls())
}

func TestMakeCallRequiresRegistration(t *testing.T) {
	engine := newMockEngine()
	engine.endpoint.account.registerErr = phone.NewEngineError(403, "forbidden")

	ps, err := phone.NewPhoneSystem(testConfig(), engine)
	require.NoError(t, err)
	defer ps.Destroy(context.Background())

	require.Error(t, ps.Initialize(context.Background()))

	_, err = ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, phone.ErrNotRegistered))
}

func TestMakeCallEmptyNumber(t *testing.T) {
	ps, _ := newTestSystem(t)

	_, err := ps.MakeCall(context.Background(), "  ", phone.CallOptions{})
	require.Error(t, err)

	var perr *phone.PhoneError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, phone.ErrorCategoryValidation, perr.Category)
}

func TestIncomingCallAnswerFlow(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallIncoming, phone.EventCallAnswered)

	incoming := newMockCall("300")
	engine.endpoint.account.deliverIncoming(incoming)

	require.Equal(t, 1, rec.count(phone.EventCallIncoming))
	payload := rec.last(phone.EventCallIncoming).(phone.CallPayload)
	assert.Equal(t, phone.DirectionInbound, payload.Call.Direction)
	assert.Equal(t, phone.CallStateIncoming, payload.Call.State)
	assert.Equal(t, "300", payload.Call.RemoteNumber)

	require.NoError(t, ps.AnswerCall(context.Background(), payload.Call.ID))

	require.Equal(t, 1, rec.count(phone.EventCallAnswered))
	answered := rec.last(phone.EventCallAnswered).(phone.CallPayload)
	assert.Equal(t, phone.CallStateConfirmed, answered.Call.State)
	assert.False(t, answered.Call.AnswerTime.IsZero())
	assert.Equal(t, 1, incoming.answerCalls)
}

func TestAutoAnswer(t *testing.T) {
	engine := newMockEngine()
	cfg := testConfig()
	cfg.AutoAnswer = true

	ps, err := phone.NewPhoneSystem(cfg, engine)
	require.NoError(t, err)
	require.NoError(t, ps.Initialize(context.Background()))
	defer ps.Destroy(context.Background())

	rec := recordEvents(ps, phone.EventCallAnswered)
	engine.endpoint.account.deliverIncoming(newMockCall("300"))

	require.Eventually(t, func() bool {
		return rec.count(phone.EventCallAnswered) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRejectCallEndsWithRejectedReason(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallIncoming, phone.EventCallEnded)

	incoming := newMockCall("300")
	engine.endpoint.account.deliverIncoming(incoming)
	callID := rec.last(phone.EventCallIncoming).(phone.CallPayload).Call.ID

	require.NoError(t, ps.RejectCall(context.Background(), callID))
	assert.Equal(t, 1, incoming.rejectCalls)

	require.Equal(t, 1, rec.count(phone.EventCallEnded))
	ended := rec.last(phone.EventCallEnded).(phone.CallEndedPayload)
	assert.Equal(t, phone.EndReasonRejected, ended.Reason)
	assert.Equal(t, phone.CallStateDisconnected, ended.Call.State)

	// Длительность неотвеченного вызова считается от инициации
	assert.True(t, ended.Call.AnswerTime.IsZero())
	assert.Equal(t, ended.Call.EndTime.Sub(ended.Call.StartTime), ended.Call.Duration)

	assert.Nil(t, ps.GetCall(callID))
}

func TestHangupRemovesCall(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallEnded)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	engine.endpoint.account.calls[0].fireState(phone.EngineCallConfirmed)

	require.NoError(t, ps.HangupCall(context.Background(), id))

	assert.Equal(t, 1, engine.endpoint.account.calls[0].hangupCount())
	assert.Nil(t, ps.GetCall(id))

	ended := rec.last(phone.EventCallEnded).(phone.CallEndedPayload)
	assert.Equal(t, phone.EndReasonHangup, ended.Reason)
	assert.False(t, ended.Call.AnswerTime.IsZero())
	assert.Equal(t, ended.Call.EndTime.Sub(ended.Call.StartTime), ended.Call.Duration)
}

func TestHangupEngineErrorStillTerminates(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallEnded, phone.EventError)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	engine.endpoint.account.calls[0].hangupErr = phone.NewEngineError(500, "server error")

	// Ошибка движка возвращается, но локальная сессия завершена безусловно
	require.Error(t, ps.HangupCall(context.Background(), id))
	assert.Nil(t, ps.GetCall(id))
	assert.Equal(t, 1, rec.count(phone.EventCallEnded))
	assert.Equal(t, 1, rec.count(phone.EventError))
}

func TestHangupUnknownCall(t *testing.T) {
	ps, _ := newTestSystem(t)

	err := ps.HangupCall(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, phone.ErrCallNotFound))
}

func TestHangupAllNeverFails(t *testing.T) {
	ps, engine := newTestSystem(t)

	_, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	_, err = ps.MakeCall(context.Background(), "200", phone.CallOptions{})
	require.NoError(t, err)

	// Сбои отдельных вызовов не мешают завершению остальных
	engine.endpoint.account.calls[0].hangupErr = phone.NewEngineError(500, "server error")
	engine.endpoint.account.calls[1].hangupErr = phone.NewEngineError(500, "server error")

	ps.HangupAllCalls(context.Background())
	assert.Empty(t, ps.GetActiveCalls())
}

func TestHoldIdempotent(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallHold, phone.EventCallUnhold)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	call := engine.endpoint.account.calls[0]
	call.fireState(phone.EngineCallConfirmed)

	require.NoError(t, ps.HoldCall(context.Background(), id))
	assert.Equal(t, phone.CallStateHold, ps.GetCall(id).State)
	assert.True(t, ps.GetCall(id).IsOnHold)

	// Повторное удержание — no-op: примитив движка не вызывается второй раз
	require.NoError(t, ps.HoldCall(context.Background(), id))
	assert.Equal(t, 1, call.holdCount())
	assert.Equal(t, 1, rec.count(phone.EventCallHold))

	require.NoError(t, ps.UnholdCall(context.Background(), id))
	assert.Equal(t, phone.CallStateConfirmed, ps.GetCall(id).State)
	assert.Equal(t, 2, call.holdCount())

	require.NoError(t, ps.UnholdCall(context.Background(), id))
	assert.Equal(t, 2, call.holdCount())
	assert.Equal(t, 1, rec.count(phone.EventCallUnhold))
}

func TestMuteIdempotent(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallMuted, phone.EventCallUnmuted)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	engine.endpoint.account.calls[0].fireState(phone.EngineCallConfirmed)

	require.NoError(t, ps.MuteCall(context.Background(), id))
	assert.True(t, ps.GetCall(id).IsMuted)
	require.NoError(t, ps.MuteCall(context.Background(), id))
	assert.Equal(t, 1, rec.count(phone.EventCallMuted))

	require.NoError(t, ps.UnmuteCall(context.Background(), id))
	assert.False(t, ps.GetCall(id).IsMuted)
	assert.Equal(t, 1, rec.count(phone.EventCallUnmuted))
}

func TestSendDTMF(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallDTMF)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	call := engine.endpoint.account.calls[0]
	call.fireState(phone.EngineCallConfirmed)

	require.NoError(t, ps.SendDTMF(context.Background(), id, '5', 0))
	assert.Equal(t, []rune{'5'}, call.digits)

	payload := rec.last(phone.EventCallDTMF).(phone.CallDTMFPayload)
	assert.Equal(t, "5", payload.Digit)

	// Недопустимый символ отклоняется до обращения к движку
	err = ps.SendDTMF(context.Background(), id, 'X', 0)
	require.Error(t, err)
	assert.Len(t, call.digits, 1)
}

func TestTwoConcurrentCallsIndependent(t *testing.T) {
	ps, engine := newTestSystem(t)

	first, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	second, err := ps.MakeCall(context.Background(), "200", phone.CallOptions{})
	require.NoError(t, err)

	engine.endpoint.account.calls[0].fireState(phone.EngineCallConfirmed)
	engine.endpoint.account.calls[1].fireState(phone.EngineCallConfirmed)

	require.NoError(t, ps.HoldCall(context.Background(), first))

	// Удержание первого вызова не затрагивает второй
	assert.Equal(t, phone.CallStateHold, ps.GetCall(first).State)
	assert.Equal(t, phone.CallStateConfirmed, ps.GetCall(second).State)
	assert.Equal(t, 0, engine.endpoint.account.calls[1].holdCount())

	require.NoError(t, ps.HangupCall(context.Background(), second))
	assert.NotNil(t, ps.GetCall(first))
	assert.Nil(t, ps.GetCall(second))
}

func TestEngineStateProgression(t *testing.T) {
	ps, engine := newTestSystem(t)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	call := engine.endpoint.account.calls[0]

	call.fireState(phone.EngineCallEarly)
	assert.Equal(t, phone.CallStateEarly, ps.GetCall(id).State)

	call.fireState(phone.EngineCallConnecting)
	assert.Equal(t, phone.CallStateConnecting, ps.GetCall(id).State)

	call.fireState(phone.EngineCallConfirmed)
	snap := ps.GetCall(id)
	assert.Equal(t, phone.CallStateConfirmed, snap.State)
	assert.False(t, snap.AnswerTime.IsZero())
}

func TestRemoteDisconnectEndsCall(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallEnded)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	call := engine.endpoint.account.calls[0]
	call.fireState(phone.EngineCallConfirmed)
	call.fireState(phone.EngineCallDisconnected)

	assert.Nil(t, ps.GetCall(id))
	ended := rec.last(phone.EventCallEnded).(phone.CallEndedPayload)
	assert.Equal(t, phone.EndReasonDisconnected, ended.Reason)
}

func TestTerminalTransitionWinsRace(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallEnded)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	call := engine.endpoint.account.calls[0]

	require.NoError(t, ps.HangupCall(context.Background(), id))
	require.Equal(t, 1, rec.count(phone.EventCallEnded))

	// Поздние колбэки движка после терминального перехода игнорируются:
	// вызов не воскресает и второго call:ended нет
	call.fireState(phone.EngineCallConfirmed)
	call.fireState(phone.EngineCallDisconnected)

	assert.Nil(t, ps.GetCall(id))
	assert.Equal(t, 1, rec.count(phone.EventCallEnded))
	ended := rec.last(phone.EventCallEnded).(phone.CallEndedPayload)
	assert.Equal(t, phone.EndReasonHangup, ended.Reason)
}

func TestMakeCallImmediateFailureEventOrder(t *testing.T) {
	ps, engine := newTestSystem(t)
	// Фоновое установление завершилось ошибкой еще до привязки колбэков:
	// движок воспроизведет failed сразу при OnState
	engine.endpoint.account.failImmediately = true

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		ps.On(name, func(interface{}) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	record(phone.EventCallOutgoing)
	record(phone.EventCallEnded)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)

	// Порядок событий вызова сохраняется: сначала call:outgoing,
	// затем call:ended, даже для мгновенно погибшего вызова
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{phone.EventCallOutgoing, phone.EventCallEnded}, order)
	assert.Nil(t, ps.GetCall(id))
}

func TestIncomingCallImmediateFailureEventOrder(t *testing.T) {
	ps, engine := newTestSystem(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		ps.On(name, func(interface{}) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	record(phone.EventCallIncoming)
	record(phone.EventCallEnded)

	incoming := newMockCall("300")
	incoming.fireState(phone.EngineCallFailed)
	engine.endpoint.account.deliverIncoming(incoming)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{phone.EventCallIncoming, phone.EventCallEnded}, order)
}

func TestFailedCallReportsDisconnectedReason(t *testing.T) {
	ps, engine := newTestSystem(t)
	rec := recordEvents(ps, phone.EventCallEnded)

	id, err := ps.MakeCall(context.Background(), "100", phone.CallOptions{})
	require.NoError(t, err)
	engine.endpoint.account.calls[0].fireState(phone.EngineCallFailed)

	assert.Nil(t, ps.GetCall(id))
	ended := rec.last(phone.EventCallEnded).(phone.CallEndedPayload)
	assert.Equal(t, phone.EndReasonDisconnected, ended.Reason)
	assert.Equal(t, phone.CallStateFailed, ended.Call.State)
}
