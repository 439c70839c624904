// Package sipengine реализует SIP движок телефонной системы поверх sipgo.
//
// Пакет предоставляет боевую реализацию интерфейсов phone.Engine,
// phone.Endpoint, phone.Account и phone.Call: стек UA (клиент + сервер),
// digest авторизация REGISTER и INVITE, установление и завершение
// диалогов, удержание через re-INVITE и DTMF через INFO. Метрики
// качества медиа собирает пакет rtpstats.
package sipengine

import (
	"context"

	"github.com/arzzra/phone_system/pkg/phone"
)

// Engine фабрика SIP endpoint поверх sipgo
type Engine struct {
	logger phone.Logger
}

// New создает движок. Логгер может быть nil.
func New(logger phone.Logger) *Engine {
	if logger == nil {
		logger = phone.NopLogger()
	}
	return &Engine{logger: logger.WithComponent("sipengine")}
}

// Name возвращает имя движка
func (e *Engine) Name() string { return "sipgo" }

// CreateEndpoint создает SIP endpoint: стек UA с клиентом и сервером,
// запускает прослушивание транспорта
func (e *Engine) CreateEndpoint(ctx context.Context, cfg phone.EndpointConfig) (phone.Endpoint, error) {
	return newEndpoint(ctx, cfg, e.logger)
}
