package phone

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// validDTMFDigits допустимые DTMF символы
const validDTMFDigits = "0123456789*#ABCD"

// MakeCall создает исходящий вызов и возвращает его идентификатор.
//
// Требует активной регистрации. Сессия попадает в активный набор только
// после успешного создания вызова движком: при ошибке примитива частичная
// сессия не остается. Ошибка движка публикуется событием error с
// контекстом "make_call" и возвращается вызывающему.
func (ps *PhoneSystem) MakeCall(ctx context.Context, number string, opts CallOptions) (string, error) {
	if !ps.isInitialized() {
		return "", newPhoneError("NOT_INITIALIZED", ErrNotInitialized.Error(),
			ErrorCategoryValidation, "make_call").withCause(ErrNotInitialized)
	}
	if !ps.IsRegistered() {
		return "", newPhoneError("NOT_REGISTERED", ErrNotRegistered.Error(),
			ErrorCategoryValidation, "make_call").withCause(ErrNotRegistered)
	}
	if strings.TrimSpace(number) == "" {
		return "", newPhoneError("INVALID_NUMBER", "номер не указан",
			ErrorCategoryValidation, "make_call")
	}

	callID := uuid.NewString()
	session := newCallSession(callID, number, ps.config.Username, DirectionOutbound)

	engineCall, err := ps.currentAccount().Call(ctx, number, opts)
	if err != nil {
		werr := errEngineOp("make_call", callID, err)
		ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: "make_call"})
		return "", werr
	}

	session.engineCall = engineCall
	ps.addSession(session)
	ps.metrics.callStarted(DirectionOutbound)

	ps.logger.Infof("исходящий вызов %s -> %s", callID, number)
	ps.bus.Emit(EventCallOutgoing, CallPayload{Call: session.snapshot()})

	// Привязка колбэков строго после публикации call:outgoing: движок
	// воспроизводит последнее известное состояние синхронно, и вызов,
	// успевший завершиться, опубликовал бы call:ended первым
	ps.bindEngineCall(session, engineCall)
	return callID, nil
}

// handleIncomingCall обрабатывает входящий вызов от движка.
//
// Не публичный метод: входящие вызовы приходят только через колбэк
// аккаунта. При включенном автоответе вызов отвечается после
// фиксированной задержки.
func (ps *PhoneSystem) handleIncomingCall(engineCall Call) {
	if !ps.isInitialized() {
		return
	}

	callID := uuid.NewString()
	session := newCallSession(callID, engineCall.RemoteNumber(), ps.config.Username, DirectionInbound)
	session.engineCall = engineCall

	ps.addSession(session)
	ps.metrics.callStarted(DirectionInbound)

	ps.logger.Infof("входящий вызов %s от %s", callID, session.remoteNumber)
	ps.bus.Emit(EventCallIncoming, CallPayload{Call: session.snapshot()})

	// Как и в MakeCall: сначала call:incoming, затем привязка колбэков,
	// чтобы воспроизведение терминального состояния не обогнало событие
	ps.bindEngineCall(session, engineCall)

	if ps.config.AutoAnswer {
		time.AfterFunc(ps.config.AutoAnswerDelay, func() {
			if err := ps.AnswerCall(context.Background(), callID); err != nil {
				ps.logger.Warnf("автоответ на вызов %s не удался: %v", callID, err)
			}
		})
	}
}

// AnswerCall отвечает на входящий вызов: переводит сессию в confirmed,
// проставляет answerTime и публикует call:answered
func (ps *PhoneSystem) AnswerCall(ctx context.Context, callID string) error {
	session := ps.findSession(callID)
	if session == nil {
		return errCallNotFound(callID, "answer_call")
	}

	engineCall := session.call()
	if engineCall != nil {
		if err := engineCall.Answer(ctx); err != nil {
			werr := errEngineOp("answer_call", callID, err)
			ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: "answer_call"})
			return werr
		}
	}

	if err := session.confirm(); err != nil {
		werr := newPhoneError("INVALID_STATE", err.Error(), ErrorCategoryCall, "answer_call").
			withCall(callID).withCause(err)
		ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: "answer_call"})
		return werr
	}

	ps.bus.Emit(EventCallAnswered, CallPayload{Call: session.snapshot()})
	return nil
}

// RejectCall отклоняет входящий вызов ответом busy и завершает
// сессию с причиной "rejected"
func (ps *PhoneSystem) RejectCall(ctx context.Context, callID string) error {
	session := ps.findSession(callID)
	if session == nil {
		return errCallNotFound(callID, "reject_call")
	}

	if engineCall := session.call(); engineCall != nil {
		if err := engineCall.Reject(ctx, 486); err != nil {
			werr := errEngineOp("reject_call", callID, err)
			ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: "reject_call"})
			return werr
		}
	}

	ps.terminateSession(session, EndReasonRejected, false)
	return nil
}

// HangupCall завершает вызов.
//
// Если объект вызова движка еще доступен, ему отправляется hangup;
// локальная сессия завершается безусловно в любом случае — очистка
// локального состояния не должна зависеть от движка, иначе в активном
// наборе остаются "зависшие" записи.
func (ps *PhoneSystem) HangupCall(ctx context.Context, callID string) error {
	session := ps.findSession(callID)
	if session == nil {
		return errCallNotFound(callID, "hangup_call")
	}

	var hangupErr error
	if engineCall := session.call(); engineCall != nil {
		hangupErr = engineCall.Hangup(ctx)
	}

	ps.terminateSession(session, EndReasonHangup, false)

	if hangupErr != nil {
		werr := errEngineOp("hangup_call", callID, hangupErr)
		ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: "hangup_call"})
		return werr
	}
	return nil
}

// HangupAllCalls завершает все активные вызовы конкурентно.
//
// Никогда не возвращает ошибку: сбои отдельных вызовов логируются
// и не прерывают остальных.
func (ps *PhoneSystem) HangupAllCalls(ctx context.Context) {
	sessions := ps.activeSessions()
	if len(sessions) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(callID string) {
			defer wg.Done()
			if err := ps.HangupCall(ctx, callID); err != nil {
				ps.logger.Warnf("ошибка завершения вызова %s: %v", callID, err)
			}
		}(s.id)
	}
	wg.Wait()
}

// HoldCall ставит вызов на удержание. No-op, если вызов уже удерживается.
func (ps *PhoneSystem) HoldCall(ctx context.Context, callID string) error {
	return ps.setCallHold(ctx, callID, true)
}

// UnholdCall снимает вызов с удержания. No-op, если вызов не удерживается.
func (ps *PhoneSystem) UnholdCall(ctx context.Context, callID string) error {
	return ps.setCallHold(ctx, callID, false)
}

func (ps *PhoneSystem) setCallHold(ctx context.Context, callID string, on bool) error {
	opContext := "hold_call"
	if !on {
		opContext = "unhold_call"
	}

	session := ps.findSession(callID)
	if session == nil {
		return errCallNotFound(callID, opContext)
	}

	// Идемпотентность: повторный перевод в то же состояние не трогает движок
	if session.onHold() == on {
		return nil
	}

	engineCall := session.call()
	if engineCall == nil {
		return errCallNotFound(callID, opContext)
	}
	if err := engineCall.SetHold(ctx, on); err != nil {
		werr := errEngineOp(opContext, callID, err)
		ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: opContext})
		return werr
	}

	if err := session.setHold(on); err != nil {
		werr := newPhoneError("INVALID_STATE", err.Error(), ErrorCategoryCall, opContext).
			withCall(callID).withCause(err)
		ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: opContext})
		return werr
	}

	event := EventCallHold
	if !on {
		event = EventCallUnhold
	}
	ps.bus.Emit(event, CallPayload{Call: session.snapshot()})
	return nil
}

// MuteCall заглушает микрофон вызова. No-op, если уже заглушен.
func (ps *PhoneSystem) MuteCall(ctx context.Context, callID string) error {
	return ps.setCallMute(ctx, callID, true)
}

// UnmuteCall включает микрофон вызова. No-op, если не заглушен.
func (ps *PhoneSystem) UnmuteCall(ctx context.Context, callID string) error {
	return ps.setCallMute(ctx, callID, false)
}

func (ps *PhoneSystem) setCallMute(ctx context.Context, callID string, on bool) error {
	opContext := "mute_call"
	if !on {
		opContext = "unmute_call"
	}

	session := ps.findSession(callID)
	if session == nil {
		return errCallNotFound(callID, opContext)
	}
	if session.muted() == on {
		return nil
	}

	engineCall := session.call()
	if engineCall == nil {
		return errCallNotFound(callID, opContext)
	}
	if err := engineCall.SetMute(on); err != nil {
		werr := errEngineOp(opContext, callID, err)
		ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: opContext})
		return werr
	}

	session.setMuted(on)

	event := EventCallMuted
	if !on {
		event = EventCallUnmuted
	}
	ps.bus.Emit(event, CallPayload{Call: session.snapshot()})
	return nil
}

// SendDTMF передает DTMF сигнал в вызов.
// Нулевая длительность заменяется значением из конфигурации.
func (ps *PhoneSystem) SendDTMF(ctx context.Context, callID string, digit rune, duration time.Duration) error {
	session := ps.findSession(callID)
	if session == nil {
		return errCallNotFound(callID, "send_dtmf")
	}
	if !strings.ContainsRune(validDTMFDigits, digit) {
		return newPhoneError("INVALID_DTMF",
			"недопустимый DTMF символ: "+string(digit),
			ErrorCategoryValidation, "send_dtmf").withCall(callID)
	}
	if duration <= 0 {
		duration = ps.config.DTMFDuration
	}

	engineCall := session.call()
	if engineCall == nil {
		return errCallNotFound(callID, "send_dtmf")
	}
	if err := engineCall.SendDTMF(ctx, digit, duration); err != nil {
		werr := errEngineOp("send_dtmf", callID, err)
		ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: "send_dtmf"})
		return werr
	}

	ps.bus.Emit(EventCallDTMF, CallDTMFPayload{Call: session.snapshot(), Digit: string(digit)})
	return nil
}

// bindEngineCall привязывает колбэки объекта вызова движка к переходам
// состояния локальной сессии.
//
// Подтвержденное движком состояние confirmed проставляет answerTime,
// если он еще не установлен; disconnected завершает сессию с причиной
// "disconnected". Колбэк медиа — зарезервированная точка расширения.
func (ps *PhoneSystem) bindEngineCall(session *callSession, engineCall Call) {
	engineCall.OnState(func(state EngineCallState) {
		switch state {
		case EngineCallEarly:
			if err := session.apply(sessionEventProgress); err != nil {
				ps.logger.Debugf("вызов %s: переход early отклонен: %v", session.id, err)
			}
		case EngineCallConnecting:
			if err := session.apply(sessionEventConnect); err != nil {
				ps.logger.Debugf("вызов %s: переход connecting отклонен: %v", session.id, err)
			}
		case EngineCallConfirmed:
			if err := session.confirm(); err != nil {
				// Поздний колбэк после терминального перехода игнорируется
				ps.logger.Debugf("вызов %s: переход confirmed отклонен: %v", session.id, err)
			}
		case EngineCallDisconnected:
			ps.terminateSession(session, EndReasonDisconnected, false)
		case EngineCallFailed:
			ps.terminateSession(session, EndReasonDisconnected, true)
		}
	})

	engineCall.OnMedia(func(state MediaState) {
		// Зарезервировано: обязательной реакции на медиа события нет
		ps.logger.Debugf("вызов %s: медиа состояние %d", session.id, state)
	})
}

// terminateSession завершает сессию: терминальный переход, отметка
// времени завершения, фиксация длительности от момента инициации,
// удаление из активного набора и событие call:ended с финальным снимком.
//
// Идемпотентна: для уже завершенной сессии ничего не делает, поэтому
// гонка hangup/поздний disconnect дает ровно одно событие call:ended.
func (ps *PhoneSystem) terminateSession(session *callSession, reason EndReason, failed bool) {
	if !session.finish(failed) {
		return
	}

	ps.removeSession(session.id)

	snap := session.snapshot()
	ps.metrics.callEnded(snap, reason)
	ps.logger.Infof("вызов %s завершен (%s), длительность %v", session.id, reason, snap.Duration)
	ps.bus.Emit(EventCallEnded, CallEndedPayload{Call: snap, Reason: reason})
}
