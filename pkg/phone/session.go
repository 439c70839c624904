package phone

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// События конечного автомата вызова
const (
	sessionEventProgress = "progress"
	sessionEventConnect  = "connect"
	sessionEventConfirm  = "confirm"
	sessionEventHold     = "hold"
	sessionEventUnhold   = "unhold"
	sessionEventEnd      = "disconnect"
	sessionEventFail     = "fail"
)

// callSession изменяемое состояние одного вызова.
//
// Переходы состояний валидируются конечным автоматом: из терминальных
// состояний (disconnected, failed) переходы запрещены, поэтому гонка
// между hangup и поздним колбэком answer разрешается детерминированно —
// первый терминальный переход выигрывает, последующие игнорируются.
type callSession struct {
	mu sync.RWMutex

	id           string
	remoteNumber string
	localNumber  string
	direction    Direction

	machine *fsm.FSM

	startTime  time.Time
	answerTime time.Time
	endTime    time.Time
	duration   time.Duration

	isOnHold    bool
	isMuted     bool
	isRecording bool

	quality *CallQuality

	// engineCall объект вызова на стороне движка, nil после завершения
	engineCall Call
}

// newCallSession создает сессию в начальном состоянии calling либо incoming
func newCallSession(id, remoteNumber, localNumber string, direction Direction) *callSession {
	initial := string(CallStateCalling)
	if direction == DirectionInbound {
		initial = string(CallStateIncoming)
	}

	s := &callSession{
		id:           id,
		remoteNumber: remoteNumber,
		localNumber:  localNumber,
		direction:    direction,
		startTime:    time.Now(),
	}

	// Матрица переходов: idle -> {calling|incoming} -> early -> connecting
	// -> confirmed <-> hold -> disconnected|failed. Терминальные состояния
	// без исходящих переходов.
	nonTerminal := []string{
		string(CallStateCalling), string(CallStateIncoming),
		string(CallStateEarly), string(CallStateConnecting),
		string(CallStateConfirmed), string(CallStateHold),
	}

	s.machine = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: sessionEventProgress, Src: []string{string(CallStateCalling), string(CallStateIncoming)}, Dst: string(CallStateEarly)},
			{Name: sessionEventConnect, Src: []string{string(CallStateCalling), string(CallStateIncoming), string(CallStateEarly)}, Dst: string(CallStateConnecting)},
			{Name: sessionEventConfirm, Src: []string{string(CallStateCalling), string(CallStateIncoming), string(CallStateEarly), string(CallStateConnecting), string(CallStateHold)}, Dst: string(CallStateConfirmed)},
			{Name: sessionEventHold, Src: []string{string(CallStateConfirmed)}, Dst: string(CallStateHold)},
			{Name: sessionEventUnhold, Src: []string{string(CallStateHold)}, Dst: string(CallStateConfirmed)},
			{Name: sessionEventEnd, Src: nonTerminal, Dst: string(CallStateDisconnected)},
			{Name: sessionEventFail, Src: nonTerminal, Dst: string(CallStateFailed)},
		},
		fsm.Callbacks{},
	)

	return s
}

// state возвращает текущее состояние вызова
func (s *callSession) state() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CallState(s.machine.Current())
}

// apply выполняет переход состояния; ошибка при невалидном переходе
func (s *callSession) apply(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Event(context.Background(), event)
}

// confirm переводит вызов в confirmed и проставляет answerTime,
// если он еще не установлен
func (s *callSession) confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(context.Background(), sessionEventConfirm); err != nil {
		return err
	}
	if s.answerTime.IsZero() {
		s.answerTime = time.Now()
	}
	return nil
}

// finish выполняет терминальный переход. Возвращает false, если сессия
// уже в терминальном состоянии (поздний двойной hangup/disconnect).
func (s *callSession) finish(failed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if CallState(s.machine.Current()).IsTerminal() {
		return false
	}

	event := sessionEventEnd
	if failed {
		event = sessionEventFail
	}
	if err := s.machine.Event(context.Background(), event); err != nil {
		return false
	}

	s.endTime = time.Now()
	// Длительность всегда от момента инициации, не от ответа
	s.duration = s.endTime.Sub(s.startTime)
	s.engineCall = nil
	return true
}

// setHold фиксирует подтвержденное движком изменение удержания
func (s *callSession) setHold(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := sessionEventHold
	if !on {
		event = sessionEventUnhold
	}
	if err := s.machine.Event(context.Background(), event); err != nil {
		return err
	}
	s.isOnHold = on
	return nil
}

// onHold возвращает текущее состояние удержания
func (s *callSession) onHold() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnHold
}

// setMuted фиксирует подтвержденное движком изменение mute
func (s *callSession) setMuted(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isMuted = on
}

// muted возвращает текущее состояние mute
func (s *callSession) muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isMuted
}

// refreshDuration пересчитывает живую длительность активного вызова
func (s *callSession) refreshDuration(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if CallState(s.machine.Current()).IsTerminal() {
		return
	}
	s.duration = now.Sub(s.startTime)
}

// setQuality сохраняет снимок качества
func (s *callSession) setQuality(q CallQuality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = &q
}

// call возвращает объект вызова движка (nil после завершения)
func (s *callSession) call() Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engineCall
}

// snapshot возвращает копию состояния для событий и запросов
func (s *callSession) snapshot() CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := CallSession{
		ID:           s.id,
		RemoteNumber: s.remoteNumber,
		LocalNumber:  s.localNumber,
		Direction:    s.direction,
		State:        CallState(s.machine.Current()),
		StartTime:    s.startTime,
		AnswerTime:   s.answerTime,
		EndTime:      s.endTime,
		Duration:     s.duration,
		IsOnHold:     s.isOnHold,
		IsMuted:      s.isMuted,
		IsRecording:  s.isRecording,
	}
	if s.quality != nil {
		q := *s.quality
		snap.Quality = &q
	}
	return snap
}
