// Package sipsignal реализует транспорт webphone поверх SIP:
// регистрация на сервере, исходящие и входящие звонки, переводы и DTMF.
// Серверные операции без SIP-примитивов (парковка, запись, голосовая
// почта) делегируются необязательному ServiceControl.
package sipsignal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/dtmf"
	"github.com/arzzra/webphone/pkg/webphone"
)

// ServiceControl серверные операции над звонками, выполняемые вне SIP.
// Реализуется поверх REST API телефонии.
type ServiceControl interface {
	Park(ctx context.Context, partyID, sessionID string) error
	Flip(ctx context.Context, partyID, sessionID, target string) error
	StartRecord(ctx context.Context, partyID, sessionID string) error
	StopRecord(ctx context.Context, partyID, sessionID string) error
	ToVoicemail(ctx context.Context, partyID, sessionID string) error
	ReplyWithMessage(ctx context.Context, partyID, sessionID, message string) error
}

// ErrNotSupported операция не поддерживается конфигурацией транспорта
var ErrNotSupported = fmt.Errorf("операция не поддерживается транспортом")

// Config конфигурация SIP-транспорта
type Config struct {
	// Server адрес SIP-сервера, например "sip.example.com:5060" (обязательно)
	Server string
	// Domain SIP-домен учетной записи (обязательно)
	Domain string
	// User имя пользователя SIP (обязательно)
	User string
	// DisplayName отображаемое имя в заголовке From
	DisplayName string
	// ListenAddr локальный адрес, например "0.0.0.0:5060"
	ListenAddr string
	// Network транспортный протокол: udp, tcp (по умолчанию udp)
	Network string
	// Expires срок регистрации (по умолчанию 3600s)
	Expires time.Duration
	// Services серверные операции. Необязательно: без него Park, Flip,
	// запись, голосовая почта и ответ сообщением недоступны.
	Services ServiceControl
	// Logger структурный логгер. По умолчанию slog.Default().
	Logger *slog.Logger
}

// Validate проверяет конфигурацию и применяет значения по умолчанию
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("не указан SIP-сервер")
	}
	if c.Domain == "" {
		return fmt.Errorf("не указан SIP-домен")
	}
	if c.User == "" {
		return fmt.Errorf("не указан пользователь SIP")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5060"
	}
	if c.Network == "" {
		c.Network = "udp"
	}
	if c.Expires <= 0 {
		c.Expires = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// call состояние одного SIP-звонка
type call struct {
	id        string
	inbound   bool
	remote    sip.Uri
	inviteReq *sip.Request
	serverTx  sip.ServerTransaction
	clientTx  sip.ClientTransaction
	partyID   string
	sessionID string
	answered  bool
	held      bool
	muted     bool
	localSDP  []byte
}

// Transport реализация webphone.Transport поверх sipgo
type Transport struct {
	config Config

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	mutex    sync.RWMutex
	calls    map[string]*call
	handlers []webphone.EventHandler

	rtpOut     RTPWriter
	dtmfSender *dtmf.Sender

	registerCancel context.CancelFunc

	serveOnce sync.Once
	serveErr  error
}

// NewTransport создает SIP-транспорт
func NewTransport(config Config) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация SIP: %w", err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgentHostname(config.Domain),
	)
	if err != nil {
		return nil, fmt.Errorf("создание User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("создание SIP-клиента: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("создание SIP-сервера: %w", err)
	}

	t := &Transport{
		config: config,
		ua:     ua,
		client: client,
		server: server,
		calls:  make(map[string]*call),
	}
	server.OnInvite(t.handleInvite)
	server.OnBye(t.handleBye)
	server.OnCancel(t.handleCancel)
	server.OnInfo(t.handleInfo)
	return t, nil
}

// OnEvent регистрирует обработчик событий транспорта
func (t *Transport) OnEvent(handler webphone.EventHandler) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers = append(t.handlers, handler)
}

func (t *Transport) fire(event webphone.Event) {
	t.mutex.RLock()
	handlers := append([]webphone.EventHandler{}, t.handlers...)
	t.mutex.RUnlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (t *Transport) getCall(callID string) (*call, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	c, ok := t.calls[callID]
	return c, ok
}

func (t *Transport) putCall(c *call) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.calls[c.id] = c
}

func (t *Transport) dropCall(callID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.calls, callID)
}

// serve запускает прием входящих запросов. Выполняется один раз при
// первой регистрации.
func (t *Transport) serve() {
	t.serveOnce.Do(func() {
		go func() {
			if err := t.server.ListenAndServe(context.Background(), t.config.Network, t.config.ListenAddr); err != nil {
				t.config.Logger.Error("прием SIP-запросов остановлен", "error", err)
				t.mutex.Lock()
				t.serveErr = err
				t.mutex.Unlock()
			}
		}()
	})
}

func (t *Transport) serverURI() sip.Uri {
	var uri sip.Uri
	_ = sip.ParseUri("sip:"+t.config.Server, &uri)
	return uri
}

func (t *Transport) localURI() string {
	return fmt.Sprintf("sip:%s@%s", t.config.User, t.config.Domain)
}

// Register отправляет регистрацию и запускает цикл ее обновления.
// Результат доставляется событиями registered/registrationFailed.
func (t *Transport) Register(ctx context.Context) error {
	t.serve()

	if err := t.sendRegister(ctx, t.config.Expires); err != nil {
		return err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	t.mutex.Lock()
	if t.registerCancel != nil {
		t.registerCancel()
	}
	t.registerCancel = cancel
	t.mutex.Unlock()

	// Регистрация обновляется на половине срока действия
	go func() {
		interval := t.config.Expires / 2
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-timer.C:
			}
			if err := t.sendRegister(refreshCtx, t.config.Expires); err != nil {
				t.config.Logger.Warn("обновление регистрации не выполнено", "error", err)
				t.fire(webphone.Event{
					Kind:  webphone.EventRegistrationFailed,
					Cause: "Connection Error",
				})
				return
			}
			timer.Reset(interval)
		}
	}()
	return nil
}

func (t *Transport) sendRegister(ctx context.Context, expires time.Duration) error {
	req := sip.NewRequest(sip.REGISTER, t.serverURI())
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("\"%s\" <%s>", t.config.DisplayName, t.localURI())))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<%s>", t.localURI())))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", t.config.User, t.config.ListenAddr)))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", int(expires.Seconds()))))

	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("отправка REGISTER: %w", err)
	}

	go func() {
		defer tx.Terminate()
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-tx.Responses():
			if !ok {
				t.fire(webphone.Event{
					Kind:  webphone.EventRegistrationFailed,
					Cause: "Connection Error",
				})
				return
			}
			t.handleRegisterResponse(resp, expires)
		}
	}()
	return nil
}

func (t *Transport) handleRegisterResponse(resp *sip.Response, expires time.Duration) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if expires == 0 {
			t.fire(webphone.Event{Kind: webphone.EventUnregistered})
			return
		}
		t.fire(webphone.Event{Kind: webphone.EventRegistered})
	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		// Промежуточный ответ, ждем финального
	default:
		t.fire(webphone.Event{
			Kind:       webphone.EventRegistrationFailed,
			StatusCode: int(resp.StatusCode),
			Cause:      resp.Reason,
		})
	}
}

// Unregister снимает регистрацию и останавливает ее обновление
func (t *Transport) Unregister(ctx context.Context) error {
	t.mutex.Lock()
	if t.registerCancel != nil {
		t.registerCancel()
		t.registerCancel = nil
	}
	t.mutex.Unlock()
	return t.sendRegister(ctx, 0)
}

// Close закрывает транспорт и все SIP-ресурсы
func (t *Transport) Close() error {
	t.mutex.Lock()
	if t.registerCancel != nil {
		t.registerCancel()
		t.registerCancel = nil
	}
	t.mutex.Unlock()

	if err := t.server.Close(); err != nil {
		return fmt.Errorf("закрытие SIP-сервера: %w", err)
	}
	if err := t.client.Close(); err != nil {
		return fmt.Errorf("закрытие SIP-клиента: %w", err)
	}
	return t.ua.Close()
}

// --- Входящие запросы ---

func (t *Transport) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	if _, exists := t.getCall(callID); exists {
		// re-INVITE в рамках существующего звонка
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		if err := tx.Respond(res); err != nil {
			t.config.Logger.Warn("ответ на re-INVITE не отправлен", "callID", callID, "error", err)
		}
		return
	}

	partyID, sessionID := parseAPIIDs(headerValue(req, "P-rc-api-ids"))
	c := &call{
		id:        callID,
		inbound:   true,
		remote:    req.From().Address,
		inviteReq: req,
		serverTx:  tx,
		partyID:   partyID,
		sessionID: sessionID,
	}
	t.putCall(c)

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		t.config.Logger.Warn("ответ 180 не отправлен", "callID", callID, "error", err)
	}

	headers := map[string]string{
		"from":       req.From().Address.User,
		"to":         req.To().Address.User,
		"party-id":   partyID,
		"session-id": sessionID,
	}
	if replaces := headerValue(req, "Replaces"); replaces != "" {
		t.fireReplaced(callID, replaces, headers)
		return
	}
	t.fire(webphone.Event{
		Kind:    webphone.EventInvite,
		CallID:  callID,
		Headers: headers,
	})
}

// fireReplaced доставляет событие замены: входящий INVITE с Replaces
// замещает существующий звонок
func (t *Transport) fireReplaced(newCallID, replaces string, headers map[string]string) {
	replacedID := replaces
	if idx := strings.IndexByte(replaces, ';'); idx >= 0 {
		replacedID = replaces[:idx]
	}
	t.fire(webphone.Event{
		Kind:   webphone.EventReplaced,
		CallID: replacedID,
		Replacement: &webphone.CallInfo{
			CallID:  newCallID,
			From:    headers["from"],
			To:      headers["to"],
			Headers: headers,
		},
	})
}

func (t *Transport) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.config.Logger.Warn("ответ на BYE не отправлен", "callID", callID, "error", err)
	}
	t.dropCall(callID)
	t.fire(webphone.Event{Kind: webphone.EventTerminated, CallID: callID})
}

func (t *Transport) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.config.Logger.Warn("ответ на CANCEL не отправлен", "callID", callID, "error", err)
	}
	t.dropCall(callID)
	t.fire(webphone.Event{Kind: webphone.EventCancel, CallID: callID})
}

func (t *Transport) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.config.Logger.Warn("ответ на INFO не отправлен", "error", err)
	}
}

// headerValue возвращает значение заголовка или пустую строку
func headerValue(req *sip.Request, name string) string {
	header := req.GetHeader(name)
	if header == nil {
		return ""
	}
	return header.Value()
}

// parseAPIIDs разбирает заголовок P-rc-api-ids вида
// "party-id=p-1;session-id=s-1"
func parseAPIIDs(value string) (partyID, sessionID string) {
	for _, part := range strings.Split(value, ";") {
		key, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "party-id":
			partyID = val
		case "session-id":
			sessionID = val
		}
	}
	return partyID, sessionID
}

func newCallID() string {
	return uuid.NewString()
}
