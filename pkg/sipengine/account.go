package sipengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/phone_system/pkg/phone"
)

// maxAuthAttempts лимит повторов запроса с digest авторизацией
const maxAuthAttempts = 5

// account SIP аккаунт: регистрация с digest авторизацией, периодическое
// продление регистрации и создание исходящих вызовов.
type account struct {
	ep     *endpoint
	cfg    phone.AccountConfig
	logger phone.Logger

	// aor адрес записи из конфигурации (sip:user@domain)
	aor       sip.Uri
	registrar sip.Uri
	contact   sip.Uri

	mu        sync.Mutex
	incoming  func(phone.Call)
	regCallID string
	regCSeq   uint32
	refresh   *time.Timer
	stopped   bool
}

func newAccount(ep *endpoint, cfg phone.AccountConfig) (*account, error) {
	var aor sip.Uri
	if err := sip.ParseUri(cfg.URI, &aor); err != nil {
		return nil, fmt.Errorf("некорректный SIP URI %q: %w", cfg.URI, err)
	}

	registrarAddr := cfg.Registrar
	if registrarAddr == "" {
		registrarAddr = aor.Host
	}
	if !strings.HasPrefix(registrarAddr, "sip:") && !strings.HasPrefix(registrarAddr, "sips:") {
		registrarAddr = "sip:" + registrarAddr
	}
	var registrar sip.Uri
	if err := sip.ParseUri(registrarAddr, &registrar); err != nil {
		return nil, fmt.Errorf("некорректный адрес регистратора %q: %w", cfg.Registrar, err)
	}

	return &account{
		ep:     ep,
		cfg:    cfg,
		logger: ep.logger.WithComponent("account"),

		aor:       aor,
		registrar: registrar,
		contact: sip.Uri{
			User: cfg.Username,
			Host: ep.host,
			Port: ep.port,
		},
		regCallID: uuid.NewString(),
	}, nil
}

// Register выполняет регистрацию аккаунта с digest авторизацией.
// При успехе планирует фоновое продление до истечения срока.
func (a *account) Register(ctx context.Context) error {
	expires := int(a.cfg.Expires.Seconds())

	resp, err := a.sendRegister(ctx, expires)
	if err != nil {
		return err
	}
	if int(resp.StatusCode) != 200 {
		return phone.NewEngineError(int(resp.StatusCode), resp.Reason)
	}

	granted := grantedExpires(resp, expires)
	a.mu.Lock()
	a.stopped = false
	a.mu.Unlock()
	a.scheduleRefresh(granted)

	a.logger.Infof("регистрация %s подтверждена на %d секунд", a.cfg.URI, granted)
	return nil
}

// Unregister снимает регистрацию (REGISTER с Expires: 0)
func (a *account) Unregister(ctx context.Context) error {
	a.stopRefresh()

	resp, err := a.sendRegister(ctx, 0)
	if err != nil {
		return err
	}
	if int(resp.StatusCode) != 200 {
		return phone.NewEngineError(int(resp.StatusCode), resp.Reason)
	}
	a.logger.Infof("регистрация %s снята", a.cfg.URI)
	return nil
}

// sendRegister отправляет REGISTER, при 401/407 повторяет запрос
// с вычисленным digest ответом
func (a *account) sendRegister(ctx context.Context, expires int) (*sip.Response, error) {
	var authHeaderName, authHeaderValue string

	for try := 0; ; try++ {
		if try >= maxAuthAttempts {
			return nil, fmt.Errorf("превышен лимит попыток авторизации REGISTER")
		}

		req := a.buildRegister(expires)
		if authHeaderValue != "" {
			req.AppendHeader(sip.NewHeader(authHeaderName, authHeaderValue))
		}

		resp, err := a.ep.do(ctx, req)
		if err != nil {
			return nil, err
		}

		var challengeHeader string
		switch int(resp.StatusCode) {
		case 401:
			challengeHeader = "WWW-Authenticate"
			authHeaderName = "Authorization"
		case 407:
			challengeHeader = "Proxy-Authenticate"
			authHeaderName = "Proxy-Authorization"
		default:
			return resp, nil
		}

		headerVal := resp.GetHeader(challengeHeader)
		if headerVal == nil {
			return nil, fmt.Errorf("ответ %d без заголовка %s", resp.StatusCode, challengeHeader)
		}
		authHeaderValue, err = digestAnswer(headerVal.Value(), req, a.cfg.Username, a.cfg.Password)
		if err != nil {
			return nil, err
		}
	}
}

// buildRegister создает REGISTER запрос. Call-ID фиксирован на все время
// жизни аккаунта, CSeq монотонно растет.
func (a *account) buildRegister(expires int) *sip.Request {
	a.mu.Lock()
	a.regCSeq++
	cseq := a.regCSeq
	callID := a.regCallID
	a.mu.Unlock()

	req := sip.NewRequest(sip.REGISTER, a.registrar)
	req.AppendHeader(&sip.ToHeader{Address: a.aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.FromHeader{
		Address: a.aor,
		Params:  sip.NewParams().Add("tag", newTag()),
	})
	req.AppendHeader(&sip.ContactHeader{Address: a.contact, Params: sip.NewParams()})

	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d REGISTER", cseq)))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	return req
}

// scheduleRefresh планирует продление регистрации на 80% срока жизни
func (a *account) scheduleRefresh(grantedSeconds int) {
	if grantedSeconds <= 0 {
		return
	}
	delay := time.Duration(grantedSeconds) * time.Second * 4 / 5

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if a.refresh != nil {
		a.refresh.Stop()
	}
	a.refresh = time.AfterFunc(delay, func() {
		a.mu.Lock()
		stopped := a.stopped
		a.mu.Unlock()
		if stopped {
			return
		}
		if err := a.Register(context.Background()); err != nil {
			a.logger.Warnf("продление регистрации не удалось: %v", err)
		}
	})
}

// stopRefresh останавливает фоновое продление регистрации
func (a *account) stopRefresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.refresh != nil {
		a.refresh.Stop()
		a.refresh = nil
	}
}

// Call создает исходящий вызов. INVITE выполняется в фоне: прогресс
// установления доставляется через колбэк состояния вызова.
func (a *account) Call(ctx context.Context, target string, opts phone.CallOptions) (phone.Call, error) {
	to, err := a.resolveTarget(target)
	if err != nil {
		return nil, err
	}

	c, err := newOutgoingCall(a.ep, a, to)
	if err != nil {
		return nil, err
	}
	a.ep.addCall(c.sipCallID(), c)

	go c.runInvite(to, opts)
	return c, nil
}

// resolveTarget превращает набранный номер или URI в SIP URI.
// Голый номер дополняется доменом аккаунта.
func (a *account) resolveTarget(target string) (sip.Uri, error) {
	var uri sip.Uri
	if strings.Contains(target, "@") || strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		if err := sip.ParseUri(target, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("некорректный SIP URI %q: %w", target, err)
		}
		return uri, nil
	}
	return sip.Uri{User: target, Host: a.aor.Host, Port: a.aor.Port}, nil
}

// OnIncomingCall устанавливает обработчик входящих вызовов
func (a *account) OnIncomingCall(handler func(phone.Call)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.incoming = handler
}

// deliverIncoming передает входящий вызов подписанному обработчику
func (a *account) deliverIncoming(c *call) {
	a.mu.Lock()
	handler := a.incoming
	a.mu.Unlock()

	if handler == nil {
		a.logger.Warnf("входящий вызов от %s отклонен: обработчик не установлен", c.remote)
		_ = c.Reject(context.Background(), 480)
		return
	}
	handler(c)
}

// grantedExpires извлекает подтвержденный срок регистрации из ответа
func grantedExpires(resp *sip.Response, requested int) int {
	if h := resp.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return v
		}
	}
	if cont := resp.Contact(); cont != nil && cont.Params != nil {
		if v, ok := cont.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return requested
}

// newTag генерирует локальный tag для From/To заголовков
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
