package sipengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/phone_system/pkg/phone"
	"github.com/arzzra/phone_system/pkg/rtpstats"
)

// call объект одного SIP вызова.
//
// Исходящий вызов проходит INVITE транзакцию в фоне (runInvite), входящий
// создается из принятого INVITE и отвечается по команде Answer. Внутри
// установленного диалога запросы (BYE, re-INVITE, INFO) строятся из
// сохраненной пары INVITE/200.
type call struct {
	ep     *endpoint
	acc    *account
	logger phone.Logger

	remote    string
	direction phone.Direction

	mu       sync.Mutex
	callID   string
	localTag string
	cseq     uint32

	// invite исходный INVITE (наш для исходящего, удаленный для входящего),
	// inviteOk финальный 200 на него
	invite   *sip.Request
	inviteOk *sip.Response
	// inviteTx серверная транзакция входящего INVITE, nil для исходящего
	inviteTx sip.ServerTransaction

	answered bool
	finished bool
	held     bool
	muted    bool

	stateHandler func(phone.EngineCallState)
	mediaHandler func(phone.MediaState)
	lastState    phone.EngineCallState
	hasState     bool

	collector *rtpstats.Collector
}

// newOutgoingCall создает исходящий вызов и открывает локальный медиа порт
func newOutgoingCall(ep *endpoint, acc *account, to sip.Uri) (*call, error) {
	collector, err := rtpstats.NewCollector(rtpstats.Config{Logger: ep.logger})
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия медиа порта: %w", err)
	}

	return &call{
		ep:        ep,
		acc:       acc,
		logger:    ep.logger.WithComponent("call"),
		remote:    to.User,
		direction: phone.DirectionOutbound,
		callID:    uuid.NewString(),
		localTag:  newTag(),
		collector: collector,
	}, nil
}

// newIncomingCall создает вызов из принятого INVITE
func newIncomingCall(ep *endpoint, acc *account, req *sip.Request, tx sip.ServerTransaction) *call {
	remote := ""
	if from := req.From(); from != nil {
		remote = from.Address.User
	}

	return &call{
		ep:        ep,
		acc:       acc,
		logger:    ep.logger.WithComponent("call"),
		remote:    remote,
		direction: phone.DirectionInbound,
		callID:    req.CallID().Value(),
		localTag:  newTag(),
		invite:    req,
		inviteTx:  tx,
	}
}

// RemoteNumber возвращает номер удаленной стороны
func (c *call) RemoteNumber() string { return c.remote }

func (c *call) sipCallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// runInvite выполняет INVITE транзакцию исходящего вызова с digest
// авторизацией. Прогресс и результат доставляются через колбэк состояния.
func (c *call) runInvite(to sip.Uri, opts phone.CallOptions) {
	ctx := context.Background()

	offer, err := buildOffer(c.ep.host, c.collector.LocalPort(), c.acc.cfg.Codecs, mediaSendRecv)
	if err != nil {
		c.failWith(fmt.Errorf("ошибка построения SDP: %w", err))
		return
	}

	var (
		authHeaderName  string
		authHeaderValue string
		req             *sip.Request
		resp            *sip.Response
	)

authLoop:
	for try := 0; ; try++ {
		if try >= maxAuthAttempts {
			c.failWith(fmt.Errorf("превышен лимит попыток авторизации INVITE"))
			return
		}

		req = c.buildInvite(to, offer, opts)
		if authHeaderValue != "" {
			req.AppendHeader(sip.NewHeader(authHeaderName, authHeaderValue))
		}

		// Hangup до ответа строит CANCEL из текущего INVITE
		c.mu.Lock()
		c.invite = req
		c.mu.Unlock()

		resp, err = c.transactInvite(ctx, req)
		if err != nil {
			c.failWith(err)
			return
		}

		var challengeHeader string
		switch int(resp.StatusCode) {
		case 200:
			break authLoop
		case 401:
			challengeHeader = "WWW-Authenticate"
			authHeaderName = "Authorization"
		case 407:
			challengeHeader = "Proxy-Authenticate"
			authHeaderName = "Proxy-Authorization"
		default:
			c.logger.Warnf("INVITE отклонен: %d %s", resp.StatusCode, resp.Reason)
			c.markFinished()
			c.fireState(phone.EngineCallFailed)
			return
		}

		headerVal := resp.GetHeader(challengeHeader)
		if headerVal == nil {
			c.failWith(fmt.Errorf("ответ %d без заголовка %s", resp.StatusCode, challengeHeader))
			return
		}
		authHeaderValue, err = digestAnswer(headerVal.Value(), req, c.acc.cfg.Username, c.acc.cfg.Password)
		if err != nil {
			c.failWith(err)
			return
		}
	}

	c.established(req, resp)
}

// transactInvite отправляет INVITE и ждет финальный ответ, транслируя
// provisional ответы в переходы состояния
func (c *call) transactInvite(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := c.ep.client.TransactionRequest(ctx, req)
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
				return nil, fmt.Errorf("INVITE транзакция завершена без ответа")
			}
			switch int(res.StatusCode) {
			case 180:
				c.fireState(phone.EngineCallEarly)
			case 183:
				c.fireState(phone.EngineCallConnecting)
			default:
				if res.StatusCode >= 200 {
					return res, nil
				}
			}
		case <-tx.Done():
			return nil, fmt.Errorf("INVITE транзакция завершена без финального ответа")
		}
	}
}

// established фиксирует установленный диалог: сохраняет пару INVITE/200,
// обновляет маршрут из Record-Route, подтверждает ACK и запускает медиа
func (c *call) established(req *sip.Request, resp *sip.Response) {
	// Дальнейшие внутридиалоговые запросы идут на Contact удаленной стороны
	if cont := resp.Contact(); cont != nil {
		req.Recipient = cont.Address
		if req.Recipient.Port == 0 {
			req.Recipient.Port = 5060
		}
	}
	for req.RemoveHeader("Route") {
	}
	for _, hdr := range resp.GetHeaders("Record-Route") {
		if rr, ok := hdr.(*sip.RecordRouteHeader); ok {
			req.PrependHeader(&sip.RouteHeader{Address: rr.Address})
		}
	}

	c.mu.Lock()
	if c.finished {
		// Вызов уже завершен локально, диалог не поднимаем
		c.mu.Unlock()
		return
	}
	c.invite = req
	c.inviteOk = resp
	c.answered = true
	c.mu.Unlock()

	if err := c.ep.client.WriteRequest(sip.NewAckRequest(req, resp, nil)); err != nil {
		c.logger.Warnf("ошибка отправки ACK: %v", err)
	}

	c.fireState(phone.EngineCallConfirmed)
	c.startMedia(resp.Body())
}

// buildInvite создает INVITE запрос исходящего вызова
func (c *call) buildInvite(to sip.Uri, offer []byte, opts phone.CallOptions) *sip.Request {
	c.mu.Lock()
	c.cseq++
	cseq := c.cseq
	c.mu.Unlock()

	req := sip.NewRequest(sip.INVITE, to)
	req.AppendHeader(&sip.FromHeader{
		Address: c.acc.aor,
		Params:  sip.NewParams().Add("tag", c.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: c.acc.contact, Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d INVITE", cseq)))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	for name, value := range opts.Headers {
		req.AppendHeader(sip.NewHeader(name, value))
	}
	return req
}

// Answer отвечает на входящий вызов: открывает медиа порт и отправляет
// 200 OK с SDP ответом. Диалог подтверждается приходом ACK.
func (c *call) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.direction != phone.DirectionInbound {
		c.mu.Unlock()
		return fmt.Errorf("Answer применим только к входящему вызову")
	}
	if c.finished {
		c.mu.Unlock()
		return fmt.Errorf("вызов уже завершен")
	}
	if c.answered {
		c.mu.Unlock()
		return nil
	}
	tx := c.inviteTx
	invite := c.invite
	c.mu.Unlock()

	collector, err := rtpstats.NewCollector(rtpstats.Config{Logger: c.ep.logger})
	if err != nil {
		return fmt.Errorf("ошибка открытия медиа порта: %w", err)
	}

	answer, err := buildOffer(c.ep.host, collector.LocalPort(), c.acc.cfg.Codecs, mediaSendRecv)
	if err != nil {
		collector.Close()
		return fmt.Errorf("ошибка построения SDP: %w", err)
	}

	res := sip.NewResponseFromRequest(invite, 200, "OK", answer)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params = to.Params.Add("tag", c.localTag)
	}
	res.AppendHeader(&sip.ContactHeader{Address: c.acc.contact, Params: sip.NewParams()})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := tx.Respond(res); err != nil {
		collector.Close()
		return fmt.Errorf("ошибка отправки 200 OK: %w", err)
	}

	c.mu.Lock()
	c.answered = true
	c.inviteOk = res
	c.collector = collector
	c.mu.Unlock()

	c.startMedia(invite.Body())
	return nil
}

// Reject отклоняет входящий вызов указанным статус-кодом
func (c *call) Reject(ctx context.Context, statusCode int) error {
	c.mu.Lock()
	if c.direction != phone.DirectionInbound || c.answered {
		c.mu.Unlock()
		return fmt.Errorf("Reject применим только к неотвеченному входящему вызову")
	}
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	tx := c.inviteTx
	invite := c.invite
	c.mu.Unlock()

	err := tx.Respond(sip.NewResponseFromRequest(invite, sip.StatusCode(statusCode), reasonPhrase(statusCode), nil))
	c.markFinished()
	if err != nil {
		return fmt.Errorf("ошибка отправки %d: %w", statusCode, err)
	}
	return nil
}

// Hangup завершает вызов: BYE для установленного диалога, CANCEL для
// исходящего до ответа, 487 для неотвеченного входящего
func (c *call) Hangup(ctx context.Context) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	answered := c.answered
	inbound := c.direction == phone.DirectionInbound
	tx := c.inviteTx
	invite := c.invite
	c.mu.Unlock()

	switch {
	case answered:
		req, err := c.inDialogRequest(sip.BYE)
		if err != nil {
			c.markFinished()
			return err
		}
		resp, err := c.ep.do(ctx, req)
		c.markFinished()
		if err != nil {
			return fmt.Errorf("ошибка отправки BYE: %w", err)
		}
		if resp.StatusCode >= 300 {
			return phone.NewEngineError(int(resp.StatusCode), resp.Reason)
		}
		return nil

	case inbound:
		err := tx.Respond(sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil))
		c.markFinished()
		return err

	default:
		// Исходящий до ответа: CANCEL best-effort, фоновая INVITE
		// транзакция завершится сама
		c.mu.Lock()
		pending := c.invite
		c.mu.Unlock()
		if pending != nil {
			cancel := newCancelRequest(pending)
			if err := c.ep.client.WriteRequest(cancel); err != nil {
				c.logger.Warnf("ошибка отправки CANCEL: %v", err)
			}
		}
		c.markFinished()
		return nil
	}
}

// SetHold ставит или снимает удержание через re-INVITE со сменой
// направления медиа
func (c *call) SetHold(ctx context.Context, on bool) error {
	c.mu.Lock()
	if !c.answered || c.finished {
		c.mu.Unlock()
		return fmt.Errorf("удержание возможно только в установленном диалоге")
	}
	collector := c.collector
	c.mu.Unlock()

	direction := mediaSendRecv
	if on {
		direction = mediaSendOnly
	}

	port := 0
	if collector != nil {
		port = collector.LocalPort()
	}
	offer, err := buildOffer(c.ep.host, port, c.acc.cfg.Codecs, direction)
	if err != nil {
		return fmt.Errorf("ошибка построения SDP: %w", err)
	}

	req, err := c.inDialogRequest(sip.INVITE)
	if err != nil {
		return err
	}
	req.AppendHeader(&sip.ContactHeader{Address: c.acc.contact, Params: sip.NewParams()})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	resp, err := c.ep.do(ctx, req)
	if err != nil {
		return fmt.Errorf("ошибка отправки re-INVITE: %w", err)
	}
	if int(resp.StatusCode) != 200 {
		return phone.NewEngineError(int(resp.StatusCode), resp.Reason)
	}

	if err := c.ep.client.WriteRequest(sip.NewAckRequest(req, resp, nil)); err != nil {
		c.logger.Warnf("ошибка отправки ACK на re-INVITE: %v", err)
	}

	c.mu.Lock()
	c.held = on
	c.mu.Unlock()

	if on {
		c.fireMedia(phone.MediaStateLocalHold)
	} else {
		c.fireMedia(phone.MediaStateActive)
	}
	return nil
}

// SetMute заглушает локальный микрофон. Чисто медиа-плоскость:
// сигнализация не затрагивается.
func (c *call) SetMute(on bool) error {
	c.mu.Lock()
	c.muted = on
	collector := c.collector
	c.mu.Unlock()

	if collector != nil {
		collector.SetMuted(on)
	}
	return nil
}

// SendDTMF передает DTMF сигнал через INFO (application/dtmf-relay)
func (c *call) SendDTMF(ctx context.Context, digit rune, duration time.Duration) error {
	c.mu.Lock()
	if !c.answered || c.finished {
		c.mu.Unlock()
		return fmt.Errorf("DTMF возможен только в установленном диалоге")
	}
	c.mu.Unlock()

	req, err := c.inDialogRequest(sip.INFO)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, duration.Milliseconds())))

	resp, err := c.ep.do(ctx, req)
	if err != nil {
		return fmt.Errorf("ошибка отправки INFO: %w", err)
	}
	if resp.StatusCode >= 300 {
		return phone.NewEngineError(int(resp.StatusCode), resp.Reason)
	}
	return nil
}

// Stats возвращает метрики качества из коллектора RTP
func (c *call) Stats(ctx context.Context) (phone.CallQuality, error) {
	c.mu.Lock()
	collector := c.collector
	c.mu.Unlock()

	if collector == nil || !collector.Running() {
		return phone.CallQuality{}, phone.ErrStatsUnavailable
	}

	snap := collector.Snapshot()
	return phone.CallQuality{
		RTT:        snap.RTT,
		Jitter:     snap.Jitter,
		PacketLoss: snap.PacketLoss,
		AudioLevel: snap.AudioLevel,
	}, nil
}

// OnState устанавливает колбэк переходов состояния. Последнее известное
// состояние доставляется сразу, если переходы уже произошли.
func (c *call) OnState(handler func(phone.EngineCallState)) {
	c.mu.Lock()
	c.stateHandler = handler
	replay := c.hasState
	last := c.lastState
	c.mu.Unlock()

	if replay && handler != nil {
		handler(last)
	}
}

// OnMedia устанавливает колбэк изменений медиа
func (c *call) OnMedia(handler func(phone.MediaState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaHandler = handler
}

// fireState доставляет переход состояния подписчику
func (c *call) fireState(state phone.EngineCallState) {
	c.mu.Lock()
	c.lastState = state
	c.hasState = true
	handler := c.stateHandler
	c.mu.Unlock()

	if handler != nil {
		handler(state)
	}
}

// fireMedia доставляет изменение медиа подписчику
func (c *call) fireMedia(state phone.MediaState) {
	c.mu.Lock()
	handler := c.mediaHandler
	c.mu.Unlock()

	if handler != nil {
		handler(state)
	}
}

// startMedia запускает сбор метрик RTP по SDP удаленной стороны
func (c *call) startMedia(remoteSDP []byte) {
	c.mu.Lock()
	collector := c.collector
	c.mu.Unlock()
	if collector == nil {
		return
	}

	remote, err := parseRemoteMedia(remoteSDP)
	if err != nil {
		c.logger.Warnf("не удалось разобрать SDP удаленной стороны: %v", err)
	}
	collector.Start(remote)
	c.fireMedia(phone.MediaStateActive)
}

// markFinished завершает вызов локально: останавливает медиа и убирает
// вызов из таблицы маршрутизации endpoint
func (c *call) markFinished() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	collector := c.collector
	c.collector = nil
	callID := c.callID
	c.mu.Unlock()

	if collector != nil {
		collector.Close()
	}
	c.ep.removeCall(callID)
}

// inDialogRequest строит запрос внутри установленного диалога.
// Для входящего вызова роли From/To меняются местами.
func (c *call) inDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.invite == nil || c.inviteOk == nil {
		return nil, fmt.Errorf("диалог не установлен")
	}

	var recipient sip.Uri
	var from sip.FromHeader
	var to sip.ToHeader

	if c.direction == phone.DirectionOutbound {
		recipient = c.invite.Recipient
		if f := c.invite.From(); f != nil {
			from = sip.FromHeader{Address: f.Address, Params: f.Params}
		}
		if t := c.inviteOk.To(); t != nil {
			to = sip.ToHeader{Address: t.Address, Params: t.Params}
		}
	} else {
		if cont := c.invite.Contact(); cont != nil {
			recipient = cont.Address
		} else if f := c.invite.From(); f != nil {
			recipient = f.Address
		}
		if t := c.inviteOk.To(); t != nil {
			from = sip.FromHeader{Address: t.Address, Params: t.Params}
		}
		if f := c.invite.From(); f != nil {
			to = sip.ToHeader{Address: f.Address, Params: f.Params}
		}
	}

	c.cseq++
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(&from)
	req.AppendHeader(&to)

	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", c.cseq, method)))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	// Маршрут диалога, зафиксированный из Record-Route при установлении
	if c.direction == phone.DirectionOutbound {
		for _, hdr := range c.invite.GetHeaders("Route") {
			req.AppendHeader(hdr)
		}
	}
	return req, nil
}

// handleAck подтверждение установления входящего диалога
func (c *call) handleAck() {
	c.mu.Lock()
	fire := c.direction == phone.DirectionInbound && c.answered && !c.finished
	c.mu.Unlock()

	if fire {
		c.fireState(phone.EngineCallConfirmed)
	}
}

// handleRemoteDisconnect завершение вызова по BYE удаленной стороны
func (c *call) handleRemoteDisconnect() {
	c.markFinished()
	c.fireState(phone.EngineCallDisconnected)
}

// handleCancel отмена входящего вызова до ответа
func (c *call) handleCancel() {
	c.mu.Lock()
	tx := c.inviteTx
	invite := c.invite
	cancelable := c.direction == phone.DirectionInbound && !c.answered && !c.finished
	c.mu.Unlock()

	if !cancelable {
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil))
	c.markFinished()
	c.fireState(phone.EngineCallDisconnected)
}

// handleReinvite отвечает на re-INVITE удаленной стороны текущим
// описанием медиа
func (c *call) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	collector := c.collector
	finished := c.finished
	c.mu.Unlock()

	if finished {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	port := 0
	if collector != nil {
		port = collector.LocalPort()
	}
	answer, err := buildOffer(c.ep.host, port, c.acc.cfg.Codecs, mediaSendRecv)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params = to.Params.Add("tag", c.localTag)
		}
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	_ = tx.Respond(res)

	c.fireMedia(phone.MediaStateRemoteHold)
}

// failWith завершает исходящий вызов ошибкой установления
func (c *call) failWith(err error) {
	c.logger.Errorf("вызов %s не установлен: %v", c.remote, err)
	c.markFinished()
	c.fireState(phone.EngineCallFailed)
}

// digestAnswer вычисляет digest ответ на 401/407 challenge
func digestAnswer(challengeValue string, req *sip.Request, username, password string) (string, error) {
	challenge, err := digest.ParseChallenge(challengeValue)
	if err != nil {
		return "", fmt.Errorf("некорректный challenge %q: %w", challengeValue, err)
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("ошибка вычисления digest: %w", err)
	}
	return cred.String(), nil
}

// newCancelRequest строит CANCEL для незавершенной INVITE транзакции.
// Копирует Via, From, To, Call-ID и номер CSeq исходного запроса.
func newCancelRequest(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		req.AppendHeader(&sip.ViaHeader{
			ProtocolName:    via.ProtocolName,
			ProtocolVersion: via.ProtocolVersion,
			Transport:       via.Transport,
			Host:            via.Host,
			Port:            via.Port,
			Params:          via.Params,
		})
	}
	if from := invite.From(); from != nil {
		req.AppendHeader(&sip.FromHeader{Address: from.Address, Params: from.Params})
	}
	if to := invite.To(); to != nil {
		req.AppendHeader(&sip.ToHeader{Address: to.Address, Params: to.Params})
	}
	if callID := invite.CallID(); callID != nil {
		h := sip.CallIDHeader(callID.Value())
		req.AppendHeader(&h)
	}
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d CANCEL", cseq.SeqNo)))
	}
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return req
}

// reasonPhrase возвращает текст статуса для кодов отклонения вызова
func reasonPhrase(code int) string {
	switch code {
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 603:
		return "Decline"
	default:
		return "Rejected"
	}
}
