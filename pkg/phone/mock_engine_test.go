package phone_test

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/phone_system/pkg/phone"
)

// mockEngine управляемая реализация phone.Engine для тестов
type mockEngine struct {
	mu                sync.Mutex
	endpoint          *mockEndpoint
	createEndpointErr error

	// createBlock блокирует CreateEndpoint до закрытия канала
	createBlock         chan struct{}
	createEndpointCalls int
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		endpoint: &mockEndpoint{account: newMockAccount()},
	}
}

func (e *mockEngine) Name() string { return "mock" }

func (e *mockEngine) CreateEndpoint(ctx context.Context, cfg phone.EndpointConfig) (phone.Endpoint, error) {
	e.mu.Lock()
	e.createEndpointCalls++
	block := e.createBlock
	err := e.createEndpointErr
	endpoint := e.endpoint
	e.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return endpoint, nil
}

func (e *mockEngine) createEndpointCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createEndpointCalls
}

type mockEndpoint struct {
	mu               sync.Mutex
	account          *mockAccount
	createAccountErr error
	closed           bool
}

func (ep *mockEndpoint) CreateAccount(ctx context.Context, cfg phone.AccountConfig) (phone.Account, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.createAccountErr != nil {
		return nil, ep.createAccountErr
	}
	return ep.account, nil
}

func (ep *mockEndpoint) Close(ctx context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.closed = true
	return nil
}

type mockAccount struct {
	mu sync.Mutex

	// registerErrs очередь результатов Register; после исчерпания
	// очереди используется registerErr
	registerErrs    []error
	registerErr     error
	unregisterErr   error
	registerCalls   int
	unregisterCalls int

	callErr  error
	calls    []*mockCall
	incoming func(phone.Call)

	// failImmediately создаваемые вызовы уже знают терминальное состояние
	// failed: фоновое установление завершилось до привязки колбэков
	failImmediately bool
}

func newMockAccount() *mockAccount {
	return &mockAccount{}
}

func (a *mockAccount) Register(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registerCalls++
	if len(a.registerErrs) > 0 {
		err := a.registerErrs[0]
		a.registerErrs = a.registerErrs[1:]
		return err
	}
	return a.registerErr
}

func (a *mockAccount) Unregister(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unregisterCalls++
	return a.unregisterErr
}

func (a *mockAccount) Call(ctx context.Context, target string, opts phone.CallOptions) (phone.Call, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.callErr != nil {
		return nil, a.callErr
	}
	call := newMockCall(target)
	if a.failImmediately {
		call.lastState = phone.EngineCallFailed
		call.hasState = true
	}
	a.calls = append(a.calls, call)
	return call, nil
}

func (a *mockAccount) OnIncomingCall(handler func(phone.Call)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.incoming = handler
}

// deliverIncoming имитирует входящий вызов от движка
func (a *mockAccount) deliverIncoming(call *mockCall) {
	a.mu.Lock()
	handler := a.incoming
	a.mu.Unlock()
	if handler != nil {
		handler(call)
	}
}

func (a *mockAccount) registerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registerCalls
}

type mockCall struct {
	mu sync.Mutex

	remote string

	answerErr error
	rejectErr error
	hangupErr error
	holdErr   error
	muteErr   error
	dtmfErr   error

	answerCalls int
	rejectCalls int
	hangupCalls int
	holdCalls   int

	held   bool
	muted  bool
	digits []rune

	stats    phone.CallQuality
	statsErr error

	stateHandler func(phone.EngineCallState)
	mediaHandler func(phone.MediaState)
	lastState    phone.EngineCallState
	hasState     bool
}

func newMockCall(remote string) *mockCall {
	return &mockCall{
		remote:   remote,
		statsErr: phone.ErrStatsUnavailable,
	}
}

func (c *mockCall) RemoteNumber() string { return c.remote }

func (c *mockCall) Answer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answerCalls++
	return c.answerErr
}

func (c *mockCall) Reject(ctx context.Context, statusCode int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectCalls++
	return c.rejectErr
}

func (c *mockCall) Hangup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangupCalls++
	return c.hangupErr
}

func (c *mockCall) SetHold(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdCalls++
	if c.holdErr != nil {
		return c.holdErr
	}
	c.held = on
	return nil
}

func (c *mockCall) SetMute(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muteErr != nil {
		return c.muteErr
	}
	c.muted = on
	return nil
}

func (c *mockCall) SendDTMF(ctx context.Context, digit rune, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dtmfErr != nil {
		return c.dtmfErr
	}
	c.digits = append(c.digits, digit)
	return nil
}

func (c *mockCall) Stats(ctx context.Context) (phone.CallQuality, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, c.statsErr
}

func (c *mockCall) OnState(handler func(phone.EngineCallState)) {
	c.mu.Lock()
	c.stateHandler = handler
	replay := c.hasState
	last := c.lastState
	c.mu.Unlock()
	if replay && handler != nil {
		handler(last)
	}
}

func (c *mockCall) OnMedia(handler func(phone.MediaState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaHandler = handler
}

// fireState имитирует колбэк перехода состояния от движка
func (c *mockCall) fireState(state phone.EngineCallState) {
	c.mu.Lock()
	c.lastState = state
	c.hasState = true
	handler := c.stateHandler
	c.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

func (c *mockCall) holdCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holdCalls
}

func (c *mockCall) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupCalls
}
