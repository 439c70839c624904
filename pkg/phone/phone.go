package phone

import (
	"context"
	"sort"
	"sync"

	"github.com/arzzra/phone_system/pkg/events"
)

// PhoneSystem фасад телефонной системы.
//
// Единственная точка входа для UI слоя: жизненный цикл
// (Initialize/Destroy), управление вызовами и регистрацией, запросы
// состояния и подписка на события. Фасад монопольно владеет картой
// активных вызовов и объектом аккаунта; остальные компоненты видят
// вызовы только через снимки в событиях.
//
// Все операции thread-safe: карта вызовов защищена мьютексом,
// переходы состояний сессий валидируются их конечными автоматами.
type PhoneSystem struct {
	config *Config
	engine Engine

	mu           sync.RWMutex
	initialized  bool
	initializing bool
	endpoint     Endpoint
	account      Account
	calls        map[string]*callSession

	bus       *events.Bus
	logger    Logger
	metrics   *metrics
	registrar *registrar
	monitor   *monitor
	devices   DeviceProvider
}

// NewPhoneSystem создает фасад с конфигурацией и внедренным SIP движком.
//
// Движок передается явно (dependency injection): в тестах — мок,
// в бою — sipengine.Engine. Конфигурация валидируется и далее
// считается неизменяемой.
func NewPhoneSystem(cfg *Config, engine Engine) (*PhoneSystem, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		level := LogLevelInfo
		if cfg.Debug {
			level = LogLevelDebug
		}
		logger = NewLogger(nil, level)
	}
	logger = logger.WithComponent("phone")

	ps := &PhoneSystem{
		config:  cfg,
		engine:  engine,
		calls:   make(map[string]*callSession),
		logger:  logger,
		metrics: newMetrics(cfg.Registerer),
		devices: cfg.Devices,
	}
	ps.bus = events.NewBus(logger)
	if ps.devices == nil {
		ps.devices = defaultDeviceProvider{}
	}
	return ps, nil
}

// Initialize поднимает движок и выполняет первичную регистрацию.
//
// Идемпотентен: повторный вызов на инициализированной системе — no-op
// с предупреждением, не ошибка. Последовательность: проверка движка,
// создание endpoint с ICE серверами и уровнем логирования, создание
// аккаунта, регистрация. Ошибка любого шага публикуется событием error
// с контекстом "initialization" и возвращается вызывающему.
func (ps *PhoneSystem) Initialize(ctx context.Context) error {
	ps.mu.Lock()
	if ps.initialized || ps.initializing {
		ps.mu.Unlock()
		ps.logger.Warnf("Initialize: система уже инициализирована, вызов игнорируется")
		return nil
	}
	// Флаг держится на все время подготовки: конкурентный Initialize
	// не должен создать второй endpoint
	ps.initializing = true
	ps.mu.Unlock()
	defer func() {
		ps.mu.Lock()
		ps.initializing = false
		ps.mu.Unlock()
	}()

	fail := func(err error) error {
		werr := newPhoneError("INITIALIZATION_FAILED", err.Error(),
			ErrorCategoryInitialization, "initialization").withCause(err)
		ps.bus.Emit(EventError, ErrorPayload{Error: werr, Context: "initialization"})
		return werr
	}

	if ps.engine == nil {
		return fail(ErrEngineUnavailable)
	}

	endpoint, err := ps.engine.CreateEndpoint(ctx, EndpointConfig{
		UserAgent:  ps.config.UserAgent,
		ListenAddr: ps.config.ListenAddr,
		Transport:  ps.config.Transport,
		ICEServers: ps.config.ICEServers,
		Debug:      ps.config.Debug,
	})
	if err != nil {
		return fail(err)
	}

	account, err := endpoint.CreateAccount(ctx, AccountConfig{
		URI:       ps.config.URI,
		Username:  ps.config.Username,
		Password:  ps.config.Password,
		Realm:     ps.config.Realm,
		Registrar: ps.config.Registrar,
		Proxy:     ps.config.Proxy,
		Expires:   ps.config.RegisterExpires,
		Codecs:    ps.config.Codecs,
	})
	if err != nil {
		_ = endpoint.Close(ctx)
		return fail(err)
	}

	account.OnIncomingCall(ps.handleIncomingCall)

	ps.mu.Lock()
	ps.endpoint = endpoint
	ps.account = account
	ps.registrar = newRegistrar(account, ps.config, ps.bus, ps.logger.WithComponent("registration"), ps.metrics)
	ps.monitor = newMonitor(ps)
	ps.initialized = true
	ps.mu.Unlock()

	ps.monitor.start()
	ps.logger.Infof("система инициализирована (движок %s)", ps.engine.Name())

	// Ошибка регистрации не откатывает инициализацию: менеджер
	// регистрации продолжит повторы в фоне
	if err := ps.registrar.register(ctx); err != nil {
		return fail(err)
	}
	return nil
}

// Destroy полностью останавливает систему.
//
// Завершает все вызовы, снимает регистрацию, останавливает мониторы и
// endpoint, очищает подписчиков. Безопасен для повторного вызова и для
// вызова на неинициализированной системе. Ошибки логируются, наружу
// не пробрасываются.
func (ps *PhoneSystem) Destroy(ctx context.Context) {
	ps.mu.Lock()
	if !ps.initialized {
		ps.mu.Unlock()
		ps.bus.Clear()
		return
	}
	ps.initialized = false
	endpoint := ps.endpoint
	reg := ps.registrar
	mon := ps.monitor
	ps.mu.Unlock()

	ps.HangupAllCalls(ctx)

	if reg != nil {
		reg.unregister(ctx)
	}
	if mon != nil {
		mon.stop()
	}
	if endpoint != nil {
		if err := endpoint.Close(ctx); err != nil {
			ps.logger.Warnf("ошибка остановки endpoint: %v", err)
		}
	}

	ps.mu.Lock()
	ps.endpoint = nil
	ps.account = nil
	ps.calls = make(map[string]*callSession)
	ps.mu.Unlock()

	ps.metrics.setActiveCalls(0)
	ps.bus.Clear()
	ps.logger.Infof("система остановлена")
}

// Register выполняет регистрацию аккаунта
func (ps *PhoneSystem) Register(ctx context.Context) error {
	reg := ps.currentRegistrar()
	if reg == nil {
		return newPhoneError("NOT_INITIALIZED", ErrNotInitialized.Error(),
			ErrorCategoryValidation, "registration").withCause(ErrNotInitialized)
	}
	return reg.register(ctx)
}

// Unregister снимает регистрацию (best-effort, ошибки не пробрасываются)
func (ps *PhoneSystem) Unregister(ctx context.Context) {
	if reg := ps.currentRegistrar(); reg != nil {
		reg.unregister(ctx)
	}
}

// On подписывает обработчик на событие и возвращает подписку
func (ps *PhoneSystem) On(event string, handler events.Handler) events.Subscription {
	return ps.bus.On(event, handler)
}

// Off отписывает обработчик
func (ps *PhoneSystem) Off(sub events.Subscription) {
	ps.bus.Off(sub)
}

// GetActiveCalls возвращает снимки всех активных вызовов,
// упорядоченные по времени создания
func (ps *PhoneSystem) GetActiveCalls() []CallSession {
	ps.mu.RLock()
	sessions := make([]*callSession, 0, len(ps.calls))
	for _, s := range ps.calls {
		sessions = append(sessions, s)
	}
	ps.mu.RUnlock()

	snaps := make([]CallSession, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartTime.Before(snaps[j].StartTime)
	})
	return snaps
}

// GetCall возвращает снимок вызова по ID, nil если не найден
func (ps *PhoneSystem) GetCall(callID string) *CallSession {
	s := ps.findSession(callID)
	if s == nil {
		return nil
	}
	snap := s.snapshot()
	return &snap
}

// GetActiveCallNumber возвращает номер удаленной стороны первого
// активного вызова, пустую строку если активных вызовов нет
func (ps *PhoneSystem) GetActiveCallNumber() string {
	calls := ps.GetActiveCalls()
	if len(calls) == 0 {
		return ""
	}
	return calls[0].RemoteNumber
}

// IsPhoneReady возвращает true когда система инициализирована
// и зарегистрирована
func (ps *PhoneSystem) IsPhoneReady() bool {
	ps.mu.RLock()
	initialized := ps.initialized
	ps.mu.RUnlock()
	return initialized && ps.IsRegistered()
}

// IsRegistered возвращает true при активной регистрации
func (ps *PhoneSystem) IsRegistered() bool {
	reg := ps.currentRegistrar()
	return reg != nil && reg.isRegistered()
}

// GetRegistrationState возвращает текущее состояние регистрации
func (ps *PhoneSystem) GetRegistrationState() RegistrationState {
	reg := ps.currentRegistrar()
	if reg == nil {
		return RegistrationStateUnregistered
	}
	return reg.currentState()
}

// GetStats возвращает агрегированную статистику по активным вызовам.
// Завершенные вызовы в статистику не входят: они удаляются из
// активного набора при завершении.
func (ps *PhoneSystem) GetStats() Stats {
	stats := Stats{Registration: ps.GetRegistrationState()}

	for _, snap := range ps.GetActiveCalls() {
		stats.ActiveCalls++
		if snap.Direction == DirectionInbound {
			stats.InboundCalls++
		} else {
			stats.OutboundCalls++
		}
		if snap.IsOnHold {
			stats.CallsOnHold++
		}
		if snap.IsMuted {
			stats.MutedCalls++
		}
		stats.TotalDuration += snap.Duration
	}
	return stats
}

// currentRegistrar возвращает менеджер регистрации, nil до Initialize
func (ps *PhoneSystem) currentRegistrar() *registrar {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.registrar
}

// findSession возвращает сессию по ID, nil если не найдена
func (ps *PhoneSystem) findSession(callID string) *callSession {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.calls[callID]
}

// addSession добавляет сессию в активный набор
func (ps *PhoneSystem) addSession(s *callSession) {
	ps.mu.Lock()
	ps.calls[s.id] = s
	n := len(ps.calls)
	ps.mu.Unlock()
	ps.metrics.setActiveCalls(n)
}

// removeSession удаляет сессию из активного набора
func (ps *PhoneSystem) removeSession(callID string) {
	ps.mu.Lock()
	delete(ps.calls, callID)
	n := len(ps.calls)
	ps.mu.Unlock()
	ps.metrics.setActiveCalls(n)
}

// activeSessions возвращает срез активных сессий
func (ps *PhoneSystem) activeSessions() []*callSession {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	sessions := make([]*callSession, 0, len(ps.calls))
	for _, s := range ps.calls {
		sessions = append(sessions, s)
	}
	return sessions
}

// currentAccount возвращает аккаунт, nil до Initialize
func (ps *PhoneSystem) currentAccount() Account {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.account
}

// isInitialized возвращает признак инициализации
func (ps *PhoneSystem) isInitialized() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.initialized
}
