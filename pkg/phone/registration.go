package phone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/phone_system/pkg/events"
)

// registrar управляет жизненным циклом регистрации аккаунта.
//
// Жизненный цикл: unregistered -> registering -> registered | failed.
// После ошибки выполняется ограниченное число автоматических повторов
// с фиксированной задержкой; счетчик попыток сбрасывается только при
// успешной регистрации. После исчерпания лимита публикуется терминальное
// событие error с контекстом "registration" и повторы прекращаются.
type registrar struct {
	mu sync.Mutex

	account Account
	state   RegistrationState

	attempts    int
	maxAttempts int
	delay       time.Duration

	retryTimer *time.Timer
	stopped    bool

	bus     *events.Bus
	logger  Logger
	metrics *metrics
}

// newRegistrar создает менеджер регистрации для аккаунта
func newRegistrar(account Account, cfg *Config, bus *events.Bus, logger Logger, m *metrics) *registrar {
	return &registrar{
		account:     account,
		state:       RegistrationStateUnregistered,
		maxAttempts: cfg.MaxReconnectAttempts,
		delay:       cfg.ReconnectDelay,
		bus:         bus,
		logger:      logger,
		metrics:     m,
	}
}

// currentState возвращает текущее состояние регистрации
func (r *registrar) currentState() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// isRegistered возвращает true при активной регистрации
func (r *registrar) isRegistered() bool {
	return r.currentState() == RegistrationStateRegistered
}

// setState обновляет состояние и метрику
func (r *registrar) setState(s RegistrationState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.metrics.setRegistrationState(s)
}

// register выполняет одну попытку регистрации.
//
// Успех: состояние registered, сброс счетчика повторов, событие
// registration:success. Ошибка: состояние failed, событие
// registration:failed, запуск политики повторов; ошибка возвращается
// вызывающему (двухканальная отчетность).
func (r *registrar) register(ctx context.Context) error {
	// Явный вызов register снова взводит политику повторов,
	// остановленную ранее через unregister
	r.mu.Lock()
	r.stopped = false
	r.mu.Unlock()

	return r.doRegister(ctx)
}

// retryRegister попытка регистрации из таймера повтора. Не взводит
// политику повторов заново: сработавший после unregister таймер
// не должен оживлять остановленную регистрацию.
func (r *registrar) retryRegister() {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	// Ошибка уже публикуется внутри doRegister
	_ = r.doRegister(context.Background())
}

func (r *registrar) doRegister(ctx context.Context) error {
	r.setState(RegistrationStateRegistering)
	r.metrics.registrationAttempt()
	r.logger.Debugf("регистрация: попытка (повторов подряд: %d)", r.attemptCount())

	if err := r.account.Register(ctx); err != nil {
		r.setState(RegistrationStateFailed)
		r.logger.Warnf("регистрация не удалась: %v", err)
		r.bus.Emit(EventRegistrationFailed, RegistrationFailedPayload{Error: err.Error()})
		r.scheduleRetry()
		return newPhoneError("REGISTRATION_FAILED", err.Error(), ErrorCategoryRegistration, "registration").withCause(err)
	}

	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()

	r.setState(RegistrationStateRegistered)
	r.logger.Infof("регистрация успешна")
	r.bus.Emit(EventRegistrationSuccess, RegistrationSuccessPayload{State: RegistrationStateRegistered})
	return nil
}

// attemptCount возвращает число повторов подряд
func (r *registrar) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// scheduleRetry запускает политику повторов после ошибки регистрации
func (r *registrar) scheduleRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	if r.attempts >= r.maxAttempts {
		// Лимит исчерпан: терминальная ошибка, автоматических повторов
		// больше не будет
		r.logger.Errorf("регистрация: исчерпан лимит повторов (%d)", r.maxAttempts)
		err := newPhoneError(
			"RECONNECT_EXHAUSTED",
			fmt.Sprintf("registration failed after %d reconnect attempts", r.maxAttempts),
			ErrorCategoryRegistration,
			"registration",
		)
		r.bus.Emit(EventError, ErrorPayload{Error: err, Context: "registration"})
		return
	}

	r.attempts++
	attempt := r.attempts
	r.logger.Infof("регистрация: повтор %d/%d через %v", attempt, r.maxAttempts, r.delay)
	r.retryTimer = time.AfterFunc(r.delay, r.retryRegister)
}

// unregister снимает регистрацию best-effort: ошибки движка логируются,
// не пробрасываются, состояние принудительно unregistered
func (r *registrar) unregister(ctx context.Context) {
	r.stopRetry()

	if err := r.account.Unregister(ctx); err != nil {
		r.logger.Warnf("ошибка снятия регистрации (игнорируется): %v", err)
	}
	r.setState(RegistrationStateUnregistered)
}

// stopRetry останавливает запланированные повторы
func (r *registrar) stopRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}
