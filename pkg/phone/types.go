// Package phone реализует ядро управления вызовами программного телефона.
//
// Центральный тип — PhoneSystem: фасад, объединяющий менеджер регистрации,
// контроллер вызовов, монитор качества и шину событий. SIP движок не
// реализуется здесь — он передается снаружи через интерфейс Engine
// (боевая реализация поверх sipgo находится в пакете sipengine).
package phone

import "time"

// Direction направление вызова, фиксируется при создании
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallState состояние вызова
type CallState string

const (
	CallStateIdle         CallState = "idle"
	CallStateCalling      CallState = "calling"
	CallStateIncoming     CallState = "incoming"
	CallStateEarly        CallState = "early"
	CallStateConnecting   CallState = "connecting"
	CallStateConfirmed    CallState = "confirmed"
	CallStateHold         CallState = "hold"
	CallStateDisconnected CallState = "disconnected"
	CallStateFailed       CallState = "failed"
)

// IsTerminal возвращает true для терминальных состояний.
// Переходы из терминального состояния запрещены.
func (s CallState) IsTerminal() bool {
	return s == CallStateDisconnected || s == CallStateFailed
}

// RegistrationState состояние регистрации аккаунта
type RegistrationState string

const (
	RegistrationStateUnregistered RegistrationState = "unregistered"
	RegistrationStateRegistering  RegistrationState = "registering"
	RegistrationStateRegistered   RegistrationState = "registered"
	RegistrationStateFailed       RegistrationState = "failed"
)

// EndReason причина завершения вызова в событии call:ended
type EndReason string

const (
	EndReasonHangup       EndReason = "hangup"
	EndReasonRejected     EndReason = "rejected"
	EndReasonDisconnected EndReason = "disconnected"
)

// CallQuality снимок метрик качества вызова
type CallQuality struct {
	// RTT круговая задержка
	RTT time.Duration `json:"rtt"`
	// Jitter межпакетный джиттер (RFC 3550)
	Jitter time.Duration `json:"jitter"`
	// PacketLoss доля потерянных пакетов, 0..1
	PacketLoss float64 `json:"packet_loss"`
	// AudioLevel уровень входящего аудио, 0..1
	AudioLevel float64 `json:"audio_level"`
}

// CallSession снимок состояния одного вызова.
//
// Снимки передаются в событиях и возвращаются из запросов фасада.
// Изменяемое состояние живет внутри системы; после терминального
// перехода снимок неизменен.
//
// Duration всегда отсчитывается от StartTime (момента инициации),
// а не от AnswerTime — как для живого счетчика, так и в терминальном
// снимке события call:ended. AnswerTime доступен отдельно для UI,
// которому нужно время разговора.
type CallSession struct {
	// ID уникальный идентификатор вызова, не переиспользуется
	ID string `json:"id"`

	RemoteNumber string `json:"remote_number"`
	LocalNumber  string `json:"local_number"`

	Direction Direction `json:"direction"`
	State     CallState `json:"state"`

	// StartTime момент создания вызова
	StartTime time.Time `json:"start_time"`
	// AnswerTime момент первого перехода в confirmed, нулевое если не отвечен
	AnswerTime time.Time `json:"answer_time,omitempty"`
	// EndTime момент завершения
	EndTime time.Time `json:"end_time,omitempty"`
	// Duration производная величина: now-StartTime у активного вызова,
	// EndTime-StartTime после завершения
	Duration time.Duration `json:"duration"`

	IsOnHold    bool `json:"is_on_hold"`
	IsMuted     bool `json:"is_muted"`
	IsRecording bool `json:"is_recording"`

	// Quality последний снимок качества, nil пока не было замеров
	Quality *CallQuality `json:"call_quality,omitempty"`
}

// Answered возвращает true, если вызов был отвечен
func (c CallSession) Answered() bool {
	return !c.AnswerTime.IsZero()
}

// Имена событий шины. Формы payload описаны рядом с именами.
const (
	// EventRegistrationSuccess payload RegistrationSuccessPayload
	EventRegistrationSuccess = "registration:success"
	// EventRegistrationFailed payload RegistrationFailedPayload
	EventRegistrationFailed = "registration:failed"

	// EventCallIncoming payload CallPayload
	EventCallIncoming = "call:incoming"
	// EventCallOutgoing payload CallPayload
	EventCallOutgoing = "call:outgoing"
	// EventCallAnswered payload CallPayload
	EventCallAnswered = "call:answered"
	// EventCallEnded payload CallEndedPayload
	EventCallEnded = "call:ended"
	// EventCallHold payload CallPayload
	EventCallHold = "call:hold"
	// EventCallUnhold payload CallPayload
	EventCallUnhold = "call:unhold"
	// EventCallMuted payload CallPayload
	EventCallMuted = "call:muted"
	// EventCallUnmuted payload CallPayload
	EventCallUnmuted = "call:unmuted"
	// EventCallDTMF payload CallDTMFPayload
	EventCallDTMF = "call:dtmf"
	// EventCallQuality payload CallQualityPayload
	EventCallQuality = "call:quality"

	// EventError payload ErrorPayload
	EventError = "error"
)

// RegistrationSuccessPayload payload события registration:success
type RegistrationSuccessPayload struct {
	State RegistrationState `json:"state"`
}

// RegistrationFailedPayload payload события registration:failed
type RegistrationFailedPayload struct {
	Error string `json:"error"`
}

// CallPayload payload событий жизненного цикла вызова
type CallPayload struct {
	Call CallSession `json:"call"`
}

// CallEndedPayload payload события call:ended
type CallEndedPayload struct {
	Call   CallSession `json:"call"`
	Reason EndReason   `json:"reason"`
}

// CallDTMFPayload payload события call:dtmf
type CallDTMFPayload struct {
	Call  CallSession `json:"call"`
	Digit string      `json:"digit"`
}

// CallQualityPayload payload события call:quality
type CallQualityPayload struct {
	Call    CallSession `json:"call"`
	Quality CallQuality `json:"quality"`
}

// ErrorPayload payload события error.
// Context идентифицирует операцию: "initialization", "registration",
// "make_call", "answer_call", "reject_call", "hangup_call", "hold_call",
// "unhold_call", "mute_call", "unmute_call", "send_dtmf".
type ErrorPayload struct {
	Error   error  `json:"error"`
	Context string `json:"context"`
}

// Stats агрегированная статистика по текущим активным вызовам.
//
// Завершенные вызовы удаляются из активного набора, поэтому статистика
// охватывает только текущие вызовы, не всю историю.
type Stats struct {
	ActiveCalls   int               `json:"active_calls"`
	InboundCalls  int               `json:"inbound_calls"`
	OutboundCalls int               `json:"outbound_calls"`
	CallsOnHold   int               `json:"calls_on_hold"`
	MutedCalls    int               `json:"muted_calls"`
	TotalDuration time.Duration     `json:"total_duration"`
	Registration  RegistrationState `json:"registration"`
}
