package phone

import (
	"context"
	"time"
)

// EngineCallState состояние вызова на стороне движка.
//
// Движок сообщает переходы через колбэк OnState; контроллер отображает
// их на локальные CallState.
type EngineCallState int

const (
	EngineCallCalling EngineCallState = iota
	EngineCallEarly
	EngineCallConnecting
	EngineCallConfirmed
	EngineCallDisconnected
	EngineCallFailed
)

var engineCallStateNames = map[EngineCallState]string{
	EngineCallCalling:      "calling",
	EngineCallEarly:        "early",
	EngineCallConnecting:   "connecting",
	EngineCallConfirmed:    "confirmed",
	EngineCallDisconnected: "disconnected",
	EngineCallFailed:       "failed",
}

func (s EngineCallState) String() string {
	if name, ok := engineCallStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MediaState состояние медиа потока вызова. Зарезервированная точка
// расширения: обязательной реакции на изменения медиа нет.
type MediaState int

const (
	MediaStateNone MediaState = iota
	MediaStateActive
	MediaStateLocalHold
	MediaStateRemoteHold
)

// EndpointConfig конфигурация endpoint движка
type EndpointConfig struct {
	// UserAgent строка User-Agent для SIP запросов
	UserAgent string
	// ListenAddr локальный адрес SIP транспорта (host:port)
	ListenAddr string
	// Transport протокол транспорта: udp, tcp, tls, ws
	Transport string
	// ICEServers список STUN/TURN серверов
	ICEServers []string
	// Debug включает подробное логирование движка
	Debug bool
}

// AccountConfig конфигурация аккаунта/учетных данных
type AccountConfig struct {
	// URI SIP идентичность (sip:user@domain)
	URI string
	// Username, Password учетные данные digest авторизации
	Username string
	Password string
	// Realm опциональный realm, по умолчанию домен URI
	Realm string
	// Registrar адрес регистратора, по умолчанию домен URI
	Registrar string
	// Proxy опциональный исходящий прокси
	Proxy string
	// Expires желаемое время жизни регистрации
	Expires time.Duration
	// Codecs список предпочтительных кодеков, передается как есть
	Codecs []string
}

// CallOptions опции исходящего вызова
type CallOptions struct {
	// Headers дополнительные SIP заголовки INVITE
	Headers map[string]string
}

// Engine фабрика endpoint. Единственная точка входа в SIP движок.
//
// Боевая реализация — sipengine.Engine поверх sipgo; тесты используют мок.
type Engine interface {
	// Name возвращает имя движка для логов
	Name() string
	// CreateEndpoint создает и запускает endpoint с указанной конфигурацией
	CreateEndpoint(ctx context.Context, cfg EndpointConfig) (Endpoint, error)
}

// Endpoint транспортный узел движка, владеет сокетами
type Endpoint interface {
	// CreateAccount создает аккаунт с учетными данными
	CreateAccount(ctx context.Context, cfg AccountConfig) (Account, error)
	// Close останавливает endpoint и освобождает ресурсы
	Close(ctx context.Context) error
}

// Account аккаунт движка: регистрация и создание вызовов
type Account interface {
	// Register выполняет регистрацию, блокирует до финального ответа
	Register(ctx context.Context) error
	// Unregister снимает регистрацию (best-effort)
	Unregister(ctx context.Context) error
	// Call создает исходящий вызов на номер или SIP URI
	Call(ctx context.Context, target string, opts CallOptions) (Call, error)
	// OnIncomingCall устанавливает обработчик входящих вызовов
	OnIncomingCall(handler func(Call))
}

// Call объект вызова на стороне движка.
//
// Каждый примитив — точка приостановки: метод возвращается после
// подтверждения движком. Таймауты на этом уровне не навязываются,
// вызывающий передает контекст с дедлайном при необходимости.
type Call interface {
	// RemoteNumber номер или URI удаленной стороны
	RemoteNumber() string

	Answer(ctx context.Context) error
	Reject(ctx context.Context, statusCode int) error
	Hangup(ctx context.Context) error

	// SetHold ставит/снимает вызов с удержания (re-INVITE)
	SetHold(ctx context.Context, on bool) error
	// SetMute заглушает/включает локальный микрофон (медиа-плоскость)
	SetMute(on bool) error
	// SendDTMF передает DTMF сигнал указанной длительности
	SendDTMF(ctx context.Context, digit rune, duration time.Duration) error

	// Stats возвращает метрики качества или ErrStatsUnavailable
	Stats(ctx context.Context) (CallQuality, error)

	// OnState устанавливает колбэк переходов состояния.
	// Если переходы уже произошли до установки, движок обязан доставить
	// последнее известное состояние сразу после установки.
	OnState(handler func(EngineCallState))
	// OnMedia устанавливает колбэк изменений медиа (резерв)
	OnMedia(handler func(MediaState))
}
