package sipengine

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/phone_system/pkg/phone"
)

// endpoint SIP стек поверх sipgo: UA, клиент и сервер с общим транспортом.
//
// Endpoint владеет таблицей активных вызовов по SIP Call-ID и маршрутизирует
// входящие запросы (INVITE, ACK, BYE, CANCEL, INFO) либо новому вызову,
// либо существующему диалогу.
type endpoint struct {
	cfg    phone.EndpointConfig
	logger phone.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	host string
	port int

	serveCancel context.CancelFunc

	mu      sync.RWMutex
	account *account
	calls   map[string]*call
	closed  bool
}

func newEndpoint(ctx context.Context, cfg phone.EndpointConfig, logger phone.Logger) (*endpoint, error) {
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес прослушивания %q: %w", cfg.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("некорректный порт в адресе %q: %w", cfg.ListenAddr, err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}

	ep := &endpoint{
		cfg:    cfg,
		logger: logger,
		ua:     ua,
		server: server,
		client: client,
		host:   host,
		port:   port,
		calls:  make(map[string]*call),
	}
	ep.registerHandlers()

	serveCtx, cancel := context.WithCancel(context.Background())
	ep.serveCancel = cancel
	go func() {
		if err := server.ListenAndServe(serveCtx, cfg.Transport, cfg.ListenAddr); err != nil && serveCtx.Err() == nil {
			logger.Errorf("SIP сервер остановлен с ошибкой: %v", err)
		}
	}()

	logger.Infof("SIP endpoint запущен на %s/%s", cfg.ListenAddr, cfg.Transport)
	return ep, nil
}

// registerHandlers регистрирует обработчики входящих запросов
func (ep *endpoint) registerHandlers() {
	ep.server.OnInvite(ep.handleInvite)
	ep.server.OnAck(ep.handleAck)
	ep.server.OnBye(ep.handleBye)
	ep.server.OnCancel(ep.handleCancel)
	ep.server.OnInfo(ep.handleInfo)
	ep.server.OnOptions(ep.handleOptions)
}

// CreateAccount создает SIP аккаунт на endpoint.
// Поддерживается один аккаунт: повторный вызов возвращает ошибку.
func (ep *endpoint) CreateAccount(ctx context.Context, cfg phone.AccountConfig) (phone.Account, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return nil, fmt.Errorf("endpoint закрыт")
	}
	if ep.account != nil {
		return nil, fmt.Errorf("аккаунт уже создан")
	}

	acc, err := newAccount(ep, cfg)
	if err != nil {
		return nil, err
	}
	ep.account = acc
	return acc, nil
}

// Close останавливает endpoint: прекращает прослушивание и закрывает UA
func (ep *endpoint) Close(ctx context.Context) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	acc := ep.account
	ep.mu.Unlock()

	if acc != nil {
		acc.stopRefresh()
	}
	ep.serveCancel()
	if err := ep.ua.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия UA: %w", err)
	}
	return nil
}

// do отправляет запрос и ждет финальный ответ, пропуская provisional
func (ep *endpoint) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := ep.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-tx.Responses():
			if res == nil {
				return nil, fmt.Errorf("транзакция завершена без ответа")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("транзакция завершена без финального ответа")
		}
	}
}

// handleInvite обрабатывает входящий INVITE: создает вызов и передает
// его аккаунту
func (ep *endpoint) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	ep.mu.RLock()
	acc := ep.account
	ep.mu.RUnlock()

	if acc == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 480, "Temporarily Unavailable", nil))
		return
	}

	callIDHeader := req.CallID()
	if callIDHeader == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	callID := callIDHeader.Value()

	// re-INVITE существующего диалога (например удержание со стороны
	// удаленного абонента): подтверждаем текущим описанием медиа
	if existing := ep.findCall(callID); existing != nil {
		existing.handleReinvite(req, tx)
		return
	}

	c := newIncomingCall(ep, acc, req, tx)
	ep.addCall(callID, c)

	_ = tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil))
	_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))

	ep.logger.Infof("входящий INVITE от %s (Call-ID %s)", c.remote, callID)
	acc.deliverIncoming(c)
}

// handleAck подтверждение установленного диалога
func (ep *endpoint) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if callID := req.CallID(); callID != nil {
		if c := ep.findCall(callID.Value()); c != nil {
			c.handleAck()
		}
	}
}

// handleBye завершение вызова удаленной стороной
func (ep *endpoint) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	if callID := req.CallID(); callID != nil {
		if c := ep.findCall(callID.Value()); c != nil {
			ep.logger.Infof("BYE от удаленной стороны (Call-ID %s)", callID.Value())
			c.handleRemoteDisconnect()
		}
	}
}

// handleCancel отмена входящего вызова до ответа
func (ep *endpoint) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	if callID := req.CallID(); callID != nil {
		if c := ep.findCall(callID.Value()); c != nil {
			c.handleCancel()
		}
	}
}

// handleInfo внутридиалоговый INFO (например DTMF от удаленной стороны)
func (ep *endpoint) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	ep.logger.Debugf("INFO: %s", string(req.Body()))
}

// handleOptions проверка доступности endpoint
func (ep *endpoint) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

// findCall возвращает вызов по SIP Call-ID
func (ep *endpoint) findCall(callID string) *call {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.calls[callID]
}

// addCall регистрирует вызов в таблице маршрутизации
func (ep *endpoint) addCall(callID string, c *call) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.calls[callID] = c
}

// removeCall удаляет вызов из таблицы маршрутизации
func (ep *endpoint) removeCall(callID string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.calls, callID)
}
