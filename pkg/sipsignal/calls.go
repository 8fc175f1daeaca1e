package sipsignal

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/rtp"

	"github.com/arzzra/webphone/pkg/dtmf"
	"github.com/arzzra/webphone/pkg/webphone"
)

// RTPWriter выход медиапотока для отправки DTMF пакетами RFC 4733.
// Без него сигналы отправляются запросами SIP INFO.
type RTPWriter interface {
	WriteRTP(packet *rtp.Packet) error
}

// SetRTPWriter подключает выход медиапотока для DTMF
func (t *Transport) SetRTPWriter(writer RTPWriter) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.rtpOut = writer
}

func (t *Transport) targetURI(to string) (sip.Uri, error) {
	var uri sip.Uri
	value := to
	if !strings.HasPrefix(value, "sip:") && !strings.HasPrefix(value, "sips:") {
		value = fmt.Sprintf("sip:%s@%s", to, t.config.Domain)
	}
	if err := sip.ParseUri(value, &uri); err != nil {
		return uri, fmt.Errorf("разбор адреса %q: %w", to, err)
	}
	return uri, nil
}

// applyCallHeaders добавляет заголовки диалога существующего звонка
func (t *Transport) applyCallHeaders(req *sip.Request, c *call) {
	req.AppendHeader(sip.NewHeader("Call-ID", c.id))
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("<%s>", t.localURI())))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<%s>", c.remote.String())))
}

// Invite выполняет исходящий звонок и возвращает его идентификатор.
// Ход звонка доставляется событиями progress/accepted/rejected/failed.
func (t *Transport) Invite(ctx context.Context, req webphone.InviteRequest) (string, error) {
	target, err := t.targetURI(req.To)
	if err != nil {
		return "", err
	}

	callID := newCallID()
	sdp := baseSDP(t.config.User, t.config.Domain)

	invite := sip.NewRequest(sip.INVITE, target)
	invite.AppendHeader(sip.NewHeader("Call-ID", callID))
	invite.AppendHeader(sip.NewHeader("From", fmt.Sprintf("\"%s\" <%s>", t.config.DisplayName, t.localURI())))
	invite.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<%s>", target.String())))
	invite.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", t.config.User, t.config.ListenAddr)))
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody(sdp)
	if req.HomeCountryID != "" {
		invite.AppendHeader(sip.NewHeader("P-rc-country-id", req.HomeCountryID))
	}

	tx, err := t.client.TransactionRequest(ctx, invite)
	if err != nil {
		return "", fmt.Errorf("отправка INVITE: %w", err)
	}

	c := &call{
		id:        callID,
		remote:    target,
		inviteReq: invite,
		clientTx:  tx,
		localSDP:  sdp,
	}
	t.putCall(c)

	go t.watchInvite(c, tx)
	return callID, nil
}

// watchInvite транслирует ответы на INVITE в события транспорта
func (t *Transport) watchInvite(c *call, tx sip.ClientTransaction) {
	defer tx.Terminate()
	for {
		select {
		case <-tx.Done():
			return
		case resp, ok := <-tx.Responses():
			if !ok {
				t.dropCall(c.id)
				t.fire(webphone.Event{
					Kind:   webphone.EventFailed,
					CallID: c.id,
					Cause:  "Connection Error",
				})
				return
			}
			switch {
			case resp.StatusCode >= 100 && resp.StatusCode < 200:
				partyID, sessionID := parseAPIIDs(responseHeader(resp, "P-rc-api-ids"))
				t.fire(webphone.Event{
					Kind:   webphone.EventProgress,
					CallID: c.id,
					Headers: map[string]string{
						"party-id":   partyID,
						"session-id": sessionID,
					},
				})
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				ack := sip.NewAckRequest(c.inviteReq, resp, nil)
				if err := t.client.WriteRequest(ack); err != nil {
					t.config.Logger.Warn("отправка ACK не выполнена", "callID", c.id, "error", err)
				}
				partyID, sessionID := parseAPIIDs(responseHeader(resp, "P-rc-api-ids"))
				t.mutex.Lock()
				c.answered = true
				c.partyID = partyID
				c.sessionID = sessionID
				t.mutex.Unlock()
				t.fire(webphone.Event{
					Kind:   webphone.EventAccepted,
					CallID: c.id,
					Headers: map[string]string{
						"party-id":   partyID,
						"session-id": sessionID,
					},
				})
				return
			default:
				t.dropCall(c.id)
				kind := webphone.EventFailed
				if resp.StatusCode == sip.StatusBusyHere || resp.StatusCode == 603 {
					kind = webphone.EventRejected
				}
				t.fire(webphone.Event{
					Kind:       kind,
					CallID:     c.id,
					StatusCode: int(resp.StatusCode),
					Cause:      resp.Reason,
				})
				return
			}
		}
	}
}

func responseHeader(resp *sip.Response, name string) string {
	header := resp.GetHeader(name)
	if header == nil {
		return ""
	}
	return header.Value()
}

// Accept отвечает на входящий звонок
func (t *Transport) Accept(ctx context.Context, callID string) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}
	if c.serverTx == nil {
		return fmt.Errorf("звонок %s не является входящим", callID)
	}

	sdp := baseSDP(t.config.User, t.config.Domain)
	res := sip.NewResponseFromRequest(c.inviteReq, sip.StatusOK, "OK", sdp)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", t.config.User, t.config.ListenAddr)))
	if err := c.serverTx.Respond(res); err != nil {
		return &webphone.TransportError{StatusCode: 0, Message: fmt.Sprintf("ответ 200 не отправлен: %v", err)}
	}

	t.mutex.Lock()
	c.answered = true
	c.localSDP = sdp
	t.mutex.Unlock()

	t.fire(webphone.Event{Kind: webphone.EventAccepted, CallID: callID})
	return nil
}

// Reject отклоняет входящий звонок
func (t *Transport) Reject(ctx context.Context, callID string) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}
	if c.serverTx == nil {
		return fmt.Errorf("звонок %s не является входящим", callID)
	}
	res := sip.NewResponseFromRequest(c.inviteReq, 603, "Decline", nil)
	if err := c.serverTx.Respond(res); err != nil {
		return fmt.Errorf("отклонение звонка: %w", err)
	}
	t.dropCall(callID)
	return nil
}

// Terminate завершает звонок: BYE для подтвержденного, CANCEL для
// неподтвержденного исходящего
func (t *Transport) Terminate(ctx context.Context, callID string) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}
	defer t.dropCall(callID)

	t.mutex.RLock()
	answered := c.answered
	t.mutex.RUnlock()

	if !answered && c.clientTx != nil {
		cancel := sip.NewCancelRequest(c.inviteReq)
		if err := t.client.WriteRequest(cancel); err != nil {
			return fmt.Errorf("отправка CANCEL: %w", err)
		}
		return nil
	}

	bye := sip.NewRequest(sip.BYE, c.remote)
	t.applyCallHeaders(bye, c)
	tx, err := t.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("отправка BYE: %w", err)
	}
	tx.Terminate()
	return nil
}

// Hold ставит звонок на удержание через re-INVITE с направлением sendonly
func (t *Transport) Hold(ctx context.Context, callID string) error {
	return t.reinvite(ctx, callID, true)
}

// Unhold снимает звонок с удержания
func (t *Transport) Unhold(ctx context.Context, callID string) error {
	return t.reinvite(ctx, callID, false)
}

func (t *Transport) reinvite(ctx context.Context, callID string, hold bool) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}
	t.mutex.RLock()
	local := c.localSDP
	t.mutex.RUnlock()
	if local == nil {
		local = baseSDP(t.config.User, t.config.Domain)
	}

	rewritten, err := holdSDP(local, hold)
	if err != nil {
		return fmt.Errorf("подготовка SDP: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, c.remote)
	t.applyCallHeaders(req, c)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(rewritten)

	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("отправка re-INVITE: %w", err)
	}
	tx.Terminate()

	t.mutex.Lock()
	c.held = hold
	c.localSDP = rewritten
	t.mutex.Unlock()
	return nil
}

// Mute выключает микрофон. Сигнализации не требуется: медиапоток
// глушится локально, транспорт лишь подтверждает смену состояния.
func (t *Transport) Mute(ctx context.Context, callID string) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}
	t.mutex.Lock()
	c.muted = true
	t.mutex.Unlock()
	t.fire(webphone.Event{Kind: webphone.EventMuted, CallID: callID})
	return nil
}

// Unmute включает микрофон
func (t *Transport) Unmute(ctx context.Context, callID string) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}
	t.mutex.Lock()
	c.muted = false
	t.mutex.Unlock()
	t.fire(webphone.Event{Kind: webphone.EventUnmuted, CallID: callID})
	return nil
}

// Transfer выполняет слепой перевод запросом REFER
func (t *Transport) Transfer(ctx context.Context, callID, to string) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}
	target, err := t.targetURI(to)
	if err != nil {
		return err
	}

	refer := sip.NewRequest(sip.REFER, c.remote)
	t.applyCallHeaders(refer, c)
	refer.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", target.String())))

	tx, err := t.client.TransactionRequest(ctx, refer)
	if err != nil {
		return fmt.Errorf("отправка REFER: %w", err)
	}
	tx.Terminate()
	return nil
}

// WarmTransfer завершает теплый перевод: REFER с Replaces на
// консультационный звонок
func (t *Transport) WarmTransfer(ctx context.Context, callID, consultCallID string) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}
	consult, ok := t.getCall(consultCallID)
	if !ok {
		return fmt.Errorf("консультационный звонок %s не найден", consultCallID)
	}

	refer := sip.NewRequest(sip.REFER, c.remote)
	t.applyCallHeaders(refer, c)
	refer.AppendHeader(sip.NewHeader("Refer-To",
		fmt.Sprintf("<%s?Replaces=%s>", consult.remote.String(), consult.id)))

	tx, err := t.client.TransactionRequest(ctx, refer)
	if err != nil {
		return fmt.Errorf("отправка REFER с Replaces: %w", err)
	}
	tx.Terminate()
	return nil
}

// SendDTMF отправляет сигнал DTMF: пакетами RTP при подключенном
// медиапотоке, иначе запросом SIP INFO
func (t *Transport) SendDTMF(ctx context.Context, callID, digits string) error {
	c, ok := t.getCall(callID)
	if !ok {
		return fmt.Errorf("звонок %s не найден", callID)
	}

	t.mutex.RLock()
	out := t.rtpOut
	t.mutex.RUnlock()

	for _, r := range digits {
		digit, err := dtmf.ParseDigit(r)
		if err != nil {
			return err
		}
		if out != nil {
			if err := t.sendDTMFRTP(out, digit); err != nil {
				return err
			}
			continue
		}
		if err := t.sendDTMFInfo(ctx, c, digit); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) sendDTMFRTP(out RTPWriter, digit dtmf.Digit) error {
	t.mutex.Lock()
	if t.dtmfSender == nil {
		t.dtmfSender = dtmf.NewSender(dtmf.PayloadTypeRFC)
	}
	sender := t.dtmfSender
	t.mutex.Unlock()

	packets, err := sender.Packets(dtmf.Event{
		Digit:    digit,
		Duration: dtmf.DefaultToneDuration,
	})
	if err != nil {
		return fmt.Errorf("формирование пакетов DTMF: %w", err)
	}
	for _, packet := range packets {
		if err := out.WriteRTP(packet); err != nil {
			return fmt.Errorf("отправка пакета DTMF: %w", err)
		}
	}
	return nil
}

func (t *Transport) sendDTMFInfo(ctx context.Context, c *call, digit dtmf.Digit) error {
	req := sip.NewRequest(sip.INFO, c.remote)
	t.applyCallHeaders(req, c)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody([]byte(infoBody(digit)))

	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("отправка INFO: %w", err)
	}
	tx.Terminate()
	return nil
}

// infoBody формирует тело запроса dtmf-relay
func infoBody(digit dtmf.Digit) string {
	return fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n",
		digit.String(), dtmf.DefaultToneDuration.Milliseconds())
}

// --- Делегированные серверные операции ---

func (t *Transport) serviceIDs(callID string) (ServiceControl, string, string, error) {
	if t.config.Services == nil {
		return nil, "", "", ErrNotSupported
	}
	c, ok := t.getCall(callID)
	if !ok {
		return nil, "", "", fmt.Errorf("звонок %s не найден", callID)
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if c.partyID == "" || c.sessionID == "" {
		return nil, "", "", fmt.Errorf("звонок %s не имеет серверных идентификаторов", callID)
	}
	return t.config.Services, c.partyID, c.sessionID, nil
}

// Park паркует звонок на сервере
func (t *Transport) Park(ctx context.Context, callID string) error {
	services, partyID, sessionID, err := t.serviceIDs(callID)
	if err != nil {
		return err
	}
	return services.Park(ctx, partyID, sessionID)
}

// Flip переключает звонок на другое устройство
func (t *Transport) Flip(ctx context.Context, callID, to string) error {
	services, partyID, sessionID, err := t.serviceIDs(callID)
	if err != nil {
		return err
	}
	return services.Flip(ctx, partyID, sessionID, to)
}

// StartRecord включает запись разговора на сервере
func (t *Transport) StartRecord(ctx context.Context, callID string) error {
	services, partyID, sessionID, err := t.serviceIDs(callID)
	if err != nil {
		return err
	}
	return services.StartRecord(ctx, partyID, sessionID)
}

// StopRecord останавливает запись разговора
func (t *Transport) StopRecord(ctx context.Context, callID string) error {
	services, partyID, sessionID, err := t.serviceIDs(callID)
	if err != nil {
		return err
	}
	return services.StopRecord(ctx, partyID, sessionID)
}

// ToVoicemail отправляет звонок в голосовую почту
func (t *Transport) ToVoicemail(ctx context.Context, callID string) error {
	services, partyID, sessionID, err := t.serviceIDs(callID)
	if err != nil {
		return err
	}
	return services.ToVoicemail(ctx, partyID, sessionID)
}

// ReplyWithMessage отвечает на звонок текстовым сообщением
func (t *Transport) ReplyWithMessage(ctx context.Context, callID string, reply webphone.ReplyOptions) error {
	services, partyID, sessionID, err := t.serviceIDs(callID)
	if err != nil {
		return err
	}
	return services.ReplyWithMessage(ctx, partyID, sessionID, reply.Message)
}
