package webphone

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/webphone/pkg/dtmf"
)

// Config конфигурация менеджера звонков
type Config struct {
	// Transport сигнальный транспорт (обязательно)
	Transport Transport
	// Alert получатель пользовательских уведомлений (обязательно)
	Alert Alert
	// Validator проверка и нормализация номеров (обязательно)
	Validator NumberValidator

	// Matcher запускает сопоставление контактов при новых звонках. Необязательно.
	Matcher ContactMatcher
	// Tabs координатор активности вкладки. Необязательно.
	Tabs TabCoordinator
	// Audio проигрывание сигнала входящего звонка. Необязательно.
	Audio AudioHelper
	// Logger структурный логгер. По умолчанию slog.Default().
	Logger *slog.Logger
	// Metrics счетчики звонков. Необязательно.
	Metrics *Metrics
}

// Validate проверяет конфигурацию и применяет значения по умолчанию
func (c *Config) Validate() error {
	if err := ensure("Transport", c.Transport != nil); err != nil {
		return err
	}
	if err := ensure("Alert", c.Alert != nil); err != nil {
		return err
	}
	if err := ensure("Validator", c.Validator != nil); err != nil {
		return err
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// SessionCallback колбэк жизненного цикла сессии. Вызывается со снимком
// состояния в порядке регистрации.
type SessionCallback func(info SessionInfo)

// CallManager управляет реестром звонков: создает сессии по событиям
// транспорта, выполняет пользовательские команды и рассылает колбэки
// жизненного цикла.
type CallManager struct {
	config Config

	mutex    sync.Mutex
	registry *Registry

	// warmTransfers отображает идентификатор консультационного звонка на
	// идентификатор исходной сессии. Разрешается при подтверждении.
	warmTransfers map[string]string

	onCallInit         []SessionCallback
	onCallStart        []SessionCallback
	onBeforeCallResume []SessionCallback
	onCallResume       []SessionCallback
	onBeforeCallEnd    []SessionCallback
	onCallEnd          []SessionCallback

	// sleep подменяется в тестах
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCallManager создает менеджер звонков и подписывается на события
// транспорта
func NewCallManager(config Config) (*CallManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация менеджера звонков: %w", err)
	}
	m := &CallManager{
		config:        config,
		registry:      NewRegistry(),
		warmTransfers: make(map[string]string),
		sleep:         sleepContext,
	}
	config.Transport.OnEvent(m.handleTransportEvent)
	return m, nil
}

// OnCallInit регистрирует колбэк создания сессии
func (m *CallManager) OnCallInit(fn SessionCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onCallInit = append(m.onCallInit, fn)
}

// OnCallStart регистрирует колбэк подтверждения звонка
func (m *CallManager) OnCallStart(fn SessionCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onCallStart = append(m.onCallStart, fn)
}

// OnBeforeCallResume регистрирует колбэк, вызываемый до снятия сессии
// с удержания
func (m *CallManager) OnBeforeCallResume(fn SessionCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onBeforeCallResume = append(m.onBeforeCallResume, fn)
}

// OnCallResume регистрирует колбэк возобновления разговора
func (m *CallManager) OnCallResume(fn SessionCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onCallResume = append(m.onCallResume, fn)
}

// OnBeforeCallEnd регистрирует колбэк, вызываемый до удаления сессии
// из реестра
func (m *CallManager) OnBeforeCallEnd(fn SessionCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onBeforeCallEnd = append(m.onBeforeCallEnd, fn)
}

// OnCallEnd регистрирует колбэк завершения звонка
func (m *CallManager) OnCallEnd(fn SessionCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onCallEnd = append(m.onCallEnd, fn)
}

func (m *CallManager) fire(callbacks []SessionCallback, info SessionInfo) {
	for _, fn := range callbacks {
		fn(info)
	}
}

func (m *CallManager) snapshotCallbacks(list []SessionCallback) []SessionCallback {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]SessionCallback{}, list...)
}

// --- Обработка событий транспорта ---

func (m *CallManager) handleTransportEvent(event Event) {
	switch event.Kind {
	case EventInvite:
		m.handleInvite(event)
	case EventProgress:
		m.applyFlag(event.CallID, func(s *Session) { s.updateHeaders(event.Headers) })
	case EventAccepted:
		m.handleAccepted(event)
	case EventRejected, EventFailed, EventTerminated, EventCancel:
		m.handleEnded(event)
	case EventReplaced:
		m.handleReplaced(event)
	case EventMuted:
		m.applyFlag(event.CallID, func(s *Session) { s.setMute(true) })
	case EventUnmuted:
		m.applyFlag(event.CallID, func(s *Session) { s.setMute(false) })
	case EventHold:
		m.applyFlag(event.CallID, func(s *Session) { s.setHold(true) })
	case EventUnhold:
		m.applyFlag(event.CallID, func(s *Session) { s.setHold(false) })
	}
}

func (m *CallManager) applyFlag(callID string, apply func(*Session)) {
	if session, ok := m.registry.Get(callID); ok {
		apply(session)
	}
}

func (m *CallManager) handleInvite(event Event) {
	session := newSession(event.CallID, DirectionInbound, CallInfo{
		CallID:  event.CallID,
		From:    event.Headers["from"],
		To:      event.Headers["to"],
		Headers: event.Headers,
	})
	if err := m.registry.Add(session); err != nil {
		m.config.Logger.Warn("повторный INVITE для существующей сессии", "callID", event.CallID)
		return
	}
	if m.config.Metrics != nil {
		m.config.Metrics.SessionsActive.Inc()
		m.config.Metrics.SessionsTotal.WithLabelValues(string(DirectionInbound)).Inc()
	}
	// Сопоставление контактов запускает только активная вкладка
	if m.config.Matcher != nil && (m.config.Tabs == nil || m.config.Tabs.Active()) {
		m.config.Matcher.TriggerMatch()
	}
	// Сигнал входящего звонка не проигрывается поверх активного разговора
	if m.config.Audio != nil && m.ActiveSession() == nil {
		m.config.Audio.PlayIncoming()
	}
	m.config.Logger.Info("входящий звонок", "callID", event.CallID, "from", session.From())
	m.fire(m.snapshotCallbacks(m.onCallInit), session.Info())
}

func (m *CallManager) handleAccepted(event Event) {
	session, ok := m.registry.Get(event.CallID)
	if !ok {
		return
	}
	if !session.markAccepted() {
		// Транспорт может дублировать подтверждение
		return
	}
	session.setAPIIDs(event.Headers["party-id"], event.Headers["session-id"])
	if m.config.Audio != nil {
		m.config.Audio.StopIncoming()
	}

	m.mutex.Lock()
	origID, isWarm := m.warmTransfers[event.CallID]
	if isWarm {
		delete(m.warmTransfers, event.CallID)
	}
	m.mutex.Unlock()

	m.holdOtherSessions(context.Background(), session.ID())

	if session.markStartFired() {
		m.fire(m.snapshotCallbacks(m.onCallStart), session.Info())
	}

	// Консультационный звонок подтвержден: завершаем теплый перевод
	if isWarm {
		if err := m.config.Transport.WarmTransfer(context.Background(), origID, event.CallID); err != nil {
			m.config.Logger.Warn("теплый перевод не выполнен", "callID", origID, "error", err)
			m.config.Alert.Danger(CodeTransferError, nil)
			if orig, ok := m.registry.Get(origID); ok {
				orig.setOnTransfer(false)
			}
		}
	}

	// Дополнительные сигналы после подтверждения исходящего звонка
	if len(session.Controls()) > 0 {
		go m.playExtendedControls(context.Background(), session)
	}
}

func (m *CallManager) handleEnded(event Event) {
	session, ok := m.registry.Get(event.CallID)
	if !ok {
		return
	}
	if event.Kind == EventCancel && m.config.Audio != nil {
		m.config.Audio.StopIncoming()
	}
	outcome := string(event.Kind)
	m.callEnd(session, outcome)
}

// handleReplaced завершает старую сессию и создает новую входящую уже в
// подтвержденном состоянии. Происходит при attended transfer на стороне
// удаленного абонента.
func (m *CallManager) handleReplaced(event Event) {
	old, ok := m.registry.Get(event.CallID)
	if !ok || event.Replacement == nil {
		return
	}

	replacement := newSession(event.Replacement.CallID, DirectionInbound, *event.Replacement)
	if err := m.registry.Add(replacement); err != nil {
		m.config.Logger.Warn("сессия замены уже существует", "callID", event.Replacement.CallID)
		return
	}
	replacement.markAccepted()
	if m.config.Metrics != nil {
		m.config.Metrics.SessionsActive.Inc()
		m.config.Metrics.SessionsTotal.WithLabelValues(string(DirectionInbound)).Inc()
	}

	if old.markReplaced() {
		info := old.Info()
		m.fire(m.snapshotCallbacks(m.onBeforeCallEnd), info)
		if !old.Cached() {
			m.registry.Remove(old.ID())
		}
		if m.config.Metrics != nil {
			m.config.Metrics.SessionsActive.Dec()
			m.config.Metrics.SessionOutcomes.WithLabelValues("replaced").Inc()
		}
		m.fire(m.snapshotCallbacks(m.onCallEnd), info)
	}

	if replacement.markStartFired() {
		m.fire(m.snapshotCallbacks(m.onCallStart), replacement.Info())
	}
}

// callEnd завершает сессию: before-end, удаление из реестра, end.
// Повторный вызов для завершенной сессии не имеет эффекта.
func (m *CallManager) callEnd(session *Session, outcome string) {
	if !session.markFinished() {
		return
	}
	info := session.Info()
	m.fire(m.snapshotCallbacks(m.onBeforeCallEnd), info)
	if !session.Cached() {
		m.registry.Remove(session.ID())
	}
	if m.config.Metrics != nil {
		m.config.Metrics.SessionsActive.Dec()
		m.config.Metrics.SessionOutcomes.WithLabelValues(outcome).Inc()
	}
	m.config.Logger.Info("звонок завершен", "callID", session.ID(), "outcome", outcome)
	m.fire(m.snapshotCallbacks(m.onCallEnd), info)
}

// holdOtherSessions ставит на удержание все активные сессии кроме указанной.
// Гарантирует единственный активный разговор.
func (m *CallManager) holdOtherSessions(ctx context.Context, exceptID string) {
	for _, other := range m.registry.All() {
		if other.ID() == exceptID || !other.IsActive() {
			continue
		}
		if err := m.config.Transport.Hold(ctx, other.ID()); err != nil {
			m.config.Logger.Warn("не удалось поставить сессию на удержание", "callID", other.ID(), "error", err)
			continue
		}
		other.setHold(true)
	}
}

// --- Команды ---

// MakeCall выполняет исходящий звонок. Номер проверяется валидатором,
// часть после первой запятой интерпретируется как дополнительные сигналы,
// отправляемые после подтверждения. Остальные активные сессии ставятся
// на удержание.
func (m *CallManager) MakeCall(ctx context.Context, req InviteRequest) (*Session, error) {
	// Часть номера после первой запятой содержит дополнительные сигналы
	// и не участвует в проверке
	number := req.To
	var controls []dtmf.Token
	if idx := strings.IndexByte(number, ','); idx >= 0 {
		tokens, parseErr := dtmf.ParseSequence(number[idx+1:])
		if parseErr != nil {
			return nil, newError(CodeUnknownError, "недопустимые дополнительные сигналы", parseErr)
		}
		controls = tokens
		number = number[:idx]
	}

	dialTo, err := m.validateTarget(ctx, number)
	if err != nil {
		return nil, err
	}

	m.holdOtherSessions(ctx, "")

	callID, err := m.config.Transport.Invite(ctx, InviteRequest{
		To:            dialTo,
		From:          req.From,
		HomeCountryID: req.HomeCountryID,
	})
	if err != nil {
		m.config.Alert.Danger(CodeConnectFailed, nil)
		return nil, newError(CodeConnectFailed, "исходящий звонок не выполнен", err)
	}

	session := newSession(callID, DirectionOutbound, CallInfo{
		CallID: callID,
		From:   req.From,
		To:     dialTo,
	})
	if len(controls) > 0 {
		session.setControls(controls, ControlPending)
	}
	if err := m.registry.Add(session); err != nil {
		return nil, fmt.Errorf("регистрация исходящей сессии: %w", err)
	}
	if m.config.Metrics != nil {
		m.config.Metrics.SessionsActive.Inc()
		m.config.Metrics.SessionsTotal.WithLabelValues(string(DirectionOutbound)).Inc()
	}
	if m.config.Matcher != nil {
		m.config.Matcher.TriggerMatch()
	}
	m.config.Logger.Info("исходящий звонок", "callID", callID, "to", dialTo)
	m.fire(m.snapshotCallbacks(m.onCallInit), session.Info())
	return session, nil
}

// Answer отвечает на входящий звонок. Допустимо только для звонящей
// сессии. Остальные активные сессии ставятся на удержание.
func (m *CallManager) Answer(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if !session.IsRinging() {
		return newError(CodeSessionState, "ответ возможен только на звонящую сессию", nil)
	}
	if m.config.Audio != nil {
		m.config.Audio.StopIncoming()
	}
	m.holdOtherSessions(ctx, sessionID)

	if err := m.config.Transport.Accept(ctx, sessionID); err != nil {
		if code, ok := transportCode(err); ok && code == CodeCallAlreadyAnswered {
			// Звонок уже отвечен на другом устройстве, сессию не трогаем
			m.config.Logger.Info("звонок отвечен на другом устройстве", "callID", sessionID)
			return nil
		}
		m.callEnd(session, "failed")
		return newError(CodeUnknownError, "ответ на звонок не выполнен", err)
	}
	return nil
}

// Reject отклоняет входящий звонок
func (m *CallManager) Reject(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if !session.IsRinging() {
		return newError(CodeSessionState, "отклонение возможно только для звонящей сессии", nil)
	}
	if m.config.Audio != nil {
		m.config.Audio.StopIncoming()
	}
	if err := m.config.Transport.Reject(ctx, sessionID); err != nil {
		m.config.Logger.Warn("отклонение звонка не выполнено", "callID", sessionID, "error", err)
	}
	m.callEnd(session, "rejected")
	return nil
}

// Hangup завершает звонок. Ошибка транспорта не препятствует локальному
// завершению сессии.
func (m *CallManager) Hangup(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	err := m.config.Transport.Terminate(ctx, sessionID)
	if err != nil {
		m.config.Logger.Warn("завершение звонка не выполнено, сессия закрывается принудительно",
			"callID", sessionID, "error", err)
	}
	m.callEnd(session, "terminated")
	return err
}

// HangupAll завершает все сессии реестра
func (m *CallManager) HangupAll(ctx context.Context) error {
	var firstErr error
	for _, session := range m.registry.All() {
		if err := m.Hangup(ctx, session.ID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Hold ставит звонок на удержание
func (m *CallManager) Hold(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if session.Status() == SessionOnHold {
		return nil
	}
	if err := m.config.Transport.Hold(ctx, sessionID); err != nil {
		m.config.Alert.Warning(CodeHoldError, nil)
		return newError(CodeHoldError, "удержание не выполнено", err)
	}
	session.setHold(true)
	return nil
}

// Resume снимает звонок с удержания и ставит на удержание остальные
// активные сессии
func (m *CallManager) Resume(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if session.Status() != SessionOnHold {
		return nil
	}
	m.holdOtherSessions(ctx, sessionID)
	m.fire(m.snapshotCallbacks(m.onBeforeCallResume), session.Info())
	if err := m.config.Transport.Unhold(ctx, sessionID); err != nil {
		m.config.Alert.Warning(CodeHoldError, nil)
		return newError(CodeHoldError, "снятие с удержания не выполнено", err)
	}
	session.setHold(false)
	m.fire(m.snapshotCallbacks(m.onCallResume), session.Info())
	return nil
}

// Mute выключает микрофон сессии
func (m *CallManager) Mute(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if err := m.config.Transport.Mute(ctx, sessionID); err != nil {
		m.config.Alert.Warning(CodeMuteError, nil)
		return newError(CodeMuteError, "выключение микрофона не выполнено", err)
	}
	session.setMute(true)
	return nil
}

// Unmute включает микрофон сессии
func (m *CallManager) Unmute(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if err := m.config.Transport.Unmute(ctx, sessionID); err != nil {
		m.config.Alert.Warning(CodeMuteError, nil)
		return newError(CodeMuteError, "включение микрофона не выполнено", err)
	}
	session.setMute(false)
	return nil
}

// Transfer выполняет слепой перевод звонка. Номер проверяется до любых
// действий над сессией: при отказе проверки состояние не меняется.
func (m *CallManager) Transfer(ctx context.Context, sessionID, to string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	target, err := m.validateTarget(ctx, to)
	if err != nil {
		return err
	}

	session.setOnTransfer(true)
	if err := m.config.Transport.Transfer(ctx, sessionID, target); err != nil {
		session.setOnTransfer(false)
		m.config.Alert.Danger(CodeTransferError, nil)
		return newError(CodeTransferError, "перевод звонка не выполнен", err)
	}
	return nil
}

// StartWarmTransfer начинает теплый перевод: исходная сессия ставится на
// удержание, выполняется консультационный звонок. Перевод завершается
// автоматически после подтверждения консультационного звонка.
func (m *CallManager) StartWarmTransfer(ctx context.Context, sessionID, to string) (*Session, error) {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("сессия %s не найдена", sessionID)
	}
	target, err := m.validateTarget(ctx, to)
	if err != nil {
		return nil, err
	}

	if err := m.Hold(ctx, sessionID); err != nil {
		return nil, err
	}
	session.setOnTransfer(true)

	callID, err := m.config.Transport.Invite(ctx, InviteRequest{To: target})
	if err != nil {
		session.setOnTransfer(false)
		m.config.Alert.Danger(CodeTransferError, nil)
		return nil, newError(CodeTransferError, "консультационный звонок не выполнен", err)
	}

	consult := newSession(callID, DirectionOutbound, CallInfo{CallID: callID, To: target})
	if err := m.registry.Add(consult); err != nil {
		return nil, fmt.Errorf("регистрация консультационной сессии: %w", err)
	}
	if m.config.Metrics != nil {
		m.config.Metrics.SessionsActive.Inc()
		m.config.Metrics.SessionsTotal.WithLabelValues(string(DirectionOutbound)).Inc()
	}

	m.mutex.Lock()
	m.warmTransfers[callID] = sessionID
	m.mutex.Unlock()

	m.fire(m.snapshotCallbacks(m.onCallInit), consult.Info())
	return consult, nil
}

// Forward переадресует звонящий входящий звонок без ответа
func (m *CallManager) Forward(ctx context.Context, sessionID, to string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if !session.IsRinging() {
		return newError(CodeSessionState, "переадресация возможна только для звонящей сессии", nil)
	}
	target, err := m.validateTarget(ctx, to)
	if err != nil {
		return err
	}
	if err := m.config.Transport.Transfer(ctx, sessionID, target); err != nil {
		m.config.Alert.Danger(CodeForwardError, nil)
		return newError(CodeForwardError, "переадресация не выполнена", err)
	}
	session.setForwarded(true)
	if m.config.Audio != nil {
		m.config.Audio.StopIncoming()
	}
	return nil
}

// validateTarget проверяет номер назначения и возвращает его в формате E164
func (m *CallManager) validateTarget(ctx context.Context, to string) (string, error) {
	result, err := m.config.Validator.ValidateNumbers(ctx, []string{to})
	if err != nil {
		m.config.Alert.Danger(CodeUnknownError, nil)
		return "", newError(CodeUnknownError, "проверка номера не выполнена", err)
	}
	if !result.Valid {
		for _, numberErr := range result.Errors {
			m.config.Alert.Warning(numberErr.Reason, map[string]any{"phoneNumber": numberErr.PhoneNumber})
		}
		return "", newError(CodeUnknownError, "номер не прошел проверку", nil)
	}
	return result.Numbers[0].E164, nil
}

// Park паркует звонок на сервере
func (m *CallManager) Park(ctx context.Context, sessionID string) error {
	if _, ok := m.registry.Get(sessionID); !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if err := m.config.Transport.Park(ctx, sessionID); err != nil {
		m.config.Alert.Warning(CodeUnknownError, nil)
		return newError(CodeUnknownError, "парковка звонка не выполнена", err)
	}
	return nil
}

// Flip переключает звонок на другое устройство
func (m *CallManager) Flip(ctx context.Context, sessionID, to string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if err := m.config.Transport.Flip(ctx, sessionID, to); err != nil {
		m.config.Alert.Warning(CodeFlipError, nil)
		return newError(CodeFlipError, "переключение звонка не выполнено", err)
	}
	session.setOnFlip(true)
	return nil
}

// SendDTMF отправляет последовательность сигналов DTMF. Запятая в
// последовательности означает паузу.
func (m *CallManager) SendDTMF(ctx context.Context, sessionID, digits string) error {
	if _, ok := m.registry.Get(sessionID); !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	tokens, err := dtmf.ParseSequence(digits)
	if err != nil {
		return fmt.Errorf("недопустимая последовательность DTMF: %w", err)
	}
	for _, token := range tokens {
		if token.Pause {
			if err := m.sleep(ctx, dtmf.PauseDuration); err != nil {
				return err
			}
			continue
		}
		if err := m.config.Transport.SendDTMF(ctx, sessionID, token.Digit.String()); err != nil {
			return fmt.Errorf("отправка DTMF не выполнена: %w", err)
		}
	}
	return nil
}

// playExtendedControls проигрывает дополнительные сигналы после
// подтверждения звонка. Прерывается при завершении сессии.
func (m *CallManager) playExtendedControls(ctx context.Context, session *Session) {
	session.setControlStatus(ControlPlaying)
	for _, token := range session.Controls() {
		if session.IsFinished() {
			session.setControlStatus(ControlStopped)
			return
		}
		if token.Pause {
			if err := m.sleep(ctx, dtmf.PauseDuration); err != nil {
				session.setControlStatus(ControlStopped)
				return
			}
			continue
		}
		if err := m.config.Transport.SendDTMF(ctx, session.ID(), token.Digit.String()); err != nil {
			m.config.Logger.Warn("отправка дополнительного сигнала не выполнена",
				"callID", session.ID(), "error", err)
			session.setControlStatus(ControlStopped)
			return
		}
	}
	session.setControlStatus(ControlStopped)
}

// StartRecord включает запись разговора. При отказе сервера с кодом
// отключенной записи сессия помечается как noAccess и повторные попытки
// блокируются.
func (m *CallManager) StartRecord(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if session.Status() == SessionConnecting {
		return newError(CodeSessionState, "запись доступна только для подтвержденного звонка", nil)
	}
	if session.RecordStatus() == RecordNoAccess {
		return newError(CodeRecordDisabled, "запись недоступна для учетной записи", nil)
	}
	if !session.setRecordStatus(RecordPending) {
		return newError(CodeRecordError, "запись уже выполняется или запускается", nil)
	}
	if err := m.config.Transport.StartRecord(ctx, sessionID); err != nil {
		if code, ok := transportCode(err); ok && code == CodeRecordingDisabled {
			session.setRecordStatus(RecordNoAccess)
			m.config.Alert.Danger(CodeRecordDisabled, nil)
			return newError(CodeRecordDisabled, "запись отключена на сервере", err)
		}
		session.setRecordStatus(RecordIdle)
		m.config.Alert.Warning(CodeRecordError, nil)
		return newError(CodeRecordError, "запуск записи не выполнен", err)
	}
	session.setRecordStatus(RecordRecording)
	return nil
}

// StopRecord останавливает запись разговора
func (m *CallManager) StopRecord(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if session.Status() == SessionConnecting {
		return newError(CodeSessionState, "запись доступна только для подтвержденного звонка", nil)
	}
	if session.RecordStatus() != RecordRecording {
		return nil
	}
	session.setRecordStatus(RecordPending)
	if err := m.config.Transport.StopRecord(ctx, sessionID); err != nil {
		session.setRecordStatus(RecordRecording)
		m.config.Alert.Warning(CodeRecordError, nil)
		return newError(CodeRecordError, "остановка записи не выполнена", err)
	}
	session.setRecordStatus(RecordIdle)
	return nil
}

// ToVoiceMail отправляет звонящий входящий звонок в голосовую почту
func (m *CallManager) ToVoiceMail(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if !session.IsRinging() {
		return newError(CodeSessionState, "отправка в голосовую почту возможна только для звонящей сессии", nil)
	}
	if err := m.config.Transport.ToVoicemail(ctx, sessionID); err != nil {
		m.config.Alert.Warning(CodeVoicemailError, nil)
		return newError(CodeVoicemailError, "отправка в голосовую почту не выполнена", err)
	}
	session.setToVoicemail()
	if m.config.Audio != nil {
		m.config.Audio.StopIncoming()
	}
	return nil
}

// ReplyWithMessage отвечает на звонящий входящий звонок текстовым сообщением
func (m *CallManager) ReplyWithMessage(ctx context.Context, sessionID string, reply ReplyOptions) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if !session.IsRinging() {
		return newError(CodeSessionState, "ответ сообщением возможен только для звонящей сессии", nil)
	}
	if err := m.config.Transport.ReplyWithMessage(ctx, sessionID, reply); err != nil {
		m.config.Alert.Warning(CodeReplyError, nil)
		return newError(CodeReplyError, "ответ сообщением не выполнен", err)
	}
	session.setReplied()
	if m.config.Audio != nil {
		m.config.Audio.StopIncoming()
	}
	return nil
}

// UpdateSessionMatchedContact сохраняет сопоставленный контакт в сессии
func (m *CallManager) UpdateSessionMatchedContact(sessionID string, match any) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	session.setContactMatch(match)
	return nil
}

// SetSessionCaching помечает сессии как сохраняемые после завершения
func (m *CallManager) SetSessionCaching(sessionIDs []string) {
	for _, id := range sessionIDs {
		if session, ok := m.registry.Get(id); ok {
			session.setCached(true)
		}
	}
}

// ClearSessionCaching снимает пометку сохранения и удаляет завершенные
// сессии из реестра
func (m *CallManager) ClearSessionCaching(sessionIDs []string) {
	for _, id := range sessionIDs {
		session, ok := m.registry.Get(id)
		if !ok {
			continue
		}
		session.setCached(false)
		if session.IsFinished() {
			m.registry.Remove(id)
		}
	}
}

// ToggleMinimized переключает свернутое отображение сессии
func (m *CallManager) ToggleMinimized(sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}
	session.ToggleMinimized()
	return nil
}

// --- Снимки реестра ---

// SessionInfo возвращает снимок сессии по идентификатору
func (m *CallManager) SessionInfo(sessionID string) (SessionInfo, bool) {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return SessionInfo{}, false
	}
	return session.Info(), true
}

// Sessions возвращает все сессии в порядке создания
func (m *CallManager) Sessions() []*Session {
	return m.registry.All()
}

// ActiveSession возвращает подключенную сессию не на удержании
func (m *CallManager) ActiveSession() *Session {
	for _, session := range m.registry.All() {
		if session.IsActive() {
			return session
		}
	}
	return nil
}

// RingSession возвращает первую звонящую сессию
func (m *CallManager) RingSession() *Session {
	for _, session := range m.registry.All() {
		if session.IsRinging() {
			return session
		}
	}
	return nil
}

// RingSessions возвращает все звонящие сессии
func (m *CallManager) RingSessions() []*Session {
	var result []*Session
	for _, session := range m.registry.All() {
		if session.IsRinging() {
			result = append(result, session)
		}
	}
	return result
}

// OnHoldSessions возвращает сессии на удержании
func (m *CallManager) OnHoldSessions() []*Session {
	var result []*Session
	for _, session := range m.registry.All() {
		if session.Status() == SessionOnHold {
			result = append(result, session)
		}
	}
	return result
}

// CachedSessions возвращает сессии, сохраняемые после завершения
func (m *CallManager) CachedSessions() []*Session {
	var result []*Session
	for _, session := range m.registry.All() {
		if session.Cached() {
			result = append(result, session)
		}
	}
	return result
}

// SessionPhoneNumbers возвращает номера всех сессий для сопоставления
// контактов
func (m *CallManager) SessionPhoneNumbers() []string {
	seen := make(map[string]struct{})
	var result []string
	for _, session := range m.registry.All() {
		for _, number := range []string{session.From(), session.To()} {
			if number == "" {
				continue
			}
			if _, ok := seen[number]; ok {
				continue
			}
			seen[number] = struct{}{}
			result = append(result, number)
		}
	}
	return result
}
