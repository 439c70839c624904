// Package events реализует типизированную шину событий телефонной системы.
//
// Шина используется фасадом PhoneSystem для доставки событий регистрации,
// вызовов и ошибок подписчикам (UI слою). Доставка синхронная, в порядке
// регистрации подписчиков. Паника или ошибка в одном обработчике
// изолируется и не блокирует остальных.
package events

import (
	"log"
	"sync"
)

// Handler обработчик события. Payload зависит от имени события,
// конкретные типы описаны в пакете phone.
type Handler func(payload interface{})

// Subscription идентифицирует зарегистрированный обработчик.
// Используется для отписки через Off, так как функции в Go несравнимы.
type Subscription struct {
	event string
	id    uint64
}

// Event возвращает имя события, на которое оформлена подписка.
func (s Subscription) Event() string { return s.event }

// entry хранит обработчик вместе с его идентификатором
type entry struct {
	id      uint64
	handler Handler
}

// ErrorLogger минимальный интерфейс логирования ошибок обработчиков.
// Совместим с phone.Logger.
type ErrorLogger interface {
	Errorf(format string, args ...interface{})
}

// stdLogger пишет через стандартный log, используется когда логгер не задан
type stdLogger struct{}

func (stdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("ERROR "+format, args...)
}

// Bus шина событий с подпиской по имени события.
//
// Все операции thread-safe. Emit вызывает обработчики синхронно,
// в порядке их регистрации. Событие без подписчиков — no-op.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64
	logger   ErrorLogger
}

// NewBus создает новую шину событий. Логгер может быть nil.
func NewBus(logger ErrorLogger) *Bus {
	if logger == nil {
		logger = stdLogger{}
	}
	return &Bus{
		handlers: make(map[string][]entry),
		logger:   logger,
	}
}

// On регистрирует обработчик для события и возвращает подписку для Off.
func (b *Bus) On(event string, h Handler) Subscription {
	if h == nil {
		return Subscription{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[event] = append(b.handlers[event], entry{id: b.nextID, handler: h})
	return Subscription{event: event, id: b.nextID}
}

// Off удаляет обработчик по подписке. Повторный вызов безопасен.
func (b *Bus) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[sub.event]
	for i, e := range list {
		if e.id == sub.id {
			b.handlers[sub.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.event]) == 0 {
		delete(b.handlers, sub.event)
	}
}

// Emit синхронно вызывает всех подписчиков события в порядке регистрации.
//
// Паника в обработчике перехватывается и логируется: один сломанный
// подписчик не должен блокировать доставку остальным.
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.RLock()
	list := make([]entry, len(b.handlers[event]))
	copy(list, b.handlers[event])
	b.mu.RUnlock()

	for _, e := range list {
		b.invoke(event, e, payload)
	}
}

// invoke вызывает один обработчик с изоляцией паники
func (b *Bus) invoke(event string, e entry, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("events: обработчик события %q завершился паникой: %v", event, r)
		}
	}()
	e.handler(payload)
}

// ListenerCount возвращает число подписчиков события.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Clear удаляет всех подписчиков. Вызывается фасадом при Destroy.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]entry)
}
