package webphone

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/webphone/pkg/dtmf"
)

// Состояния сессии в терминах FSM
const (
	sessionStateConnecting = "connecting"
	sessionStateConnected  = "connected"
	sessionStateOnHold     = "onHold"
	sessionStateFinished   = "finished"
	sessionStateReplaced   = "replaced"
)

// Session представляет один звонок: направление, состояние, флаги команд
// и снимки времени. Все методы потокобезопасны.
type Session struct {
	id        string
	direction Direction

	mutex        sync.RWMutex
	stateMachine *fsm.FSM

	from    string
	to      string
	headers map[string]string
	// Идентификаторы участника и телефонной сессии на стороне сервера,
	// извлекаются из заголовка P-rc-api-ids
	partyID            string
	telephonySessionID string

	creationTime time.Time
	startTime    time.Time
	endTime      time.Time

	isOnMute      bool
	isOnTransfer  bool
	isForwarded   bool
	isOnFlip      bool
	isToVoicemail bool
	isReplied     bool
	minimized     bool
	cached        bool

	recordStatus  RecordStatus
	controlStatus ControlStatus
	controls      []dtmf.Token

	// contactMatch произвольные данные сопоставленного контакта
	contactMatch any

	// startFired гарантирует единственное срабатывание callStart
	startFired bool
}

// SessionInfo неизменяемый снимок состояния сессии
type SessionInfo struct {
	ID                 string
	Direction          Direction
	Status             SessionStatus
	From               string
	To                 string
	PartyID            string
	TelephonySessionID string
	CreationTime       time.Time
	StartTime          time.Time
	EndTime            time.Time
	IsOnMute           bool
	IsOnTransfer       bool
	IsForwarded        bool
	IsOnFlip           bool
	IsToVoicemail      bool
	IsReplied          bool
	Minimized          bool
	Cached             bool
	RecordStatus       RecordStatus
	ControlStatus      ControlStatus
	ContactMatch       any
}

func newSession(id string, direction Direction, info CallInfo) *Session {
	s := &Session{
		id:           id,
		direction:    direction,
		from:         info.From,
		to:           info.To,
		headers:      info.Headers,
		creationTime: time.Now(),
		recordStatus: RecordIdle,
	}
	if info.Headers != nil {
		s.partyID = info.Headers["party-id"]
		s.telephonySessionID = info.Headers["session-id"]
	}
	s.stateMachine = fsm.NewFSM(
		sessionStateConnecting,
		fsm.Events{
			// Подтверждение звонка
			{Name: "accept", Src: []string{sessionStateConnecting}, Dst: sessionStateConnected},
			// Постановка на удержание
			{Name: "hold", Src: []string{sessionStateConnected}, Dst: sessionStateOnHold},
			// Снятие с удержания
			{Name: "unhold", Src: []string{sessionStateOnHold}, Dst: sessionStateConnected},
			// Завершение из любого рабочего состояния
			{Name: "finish", Src: []string{sessionStateConnecting, sessionStateConnected, sessionStateOnHold}, Dst: sessionStateFinished},
			// Замена другой сессией
			{Name: "replace", Src: []string{sessionStateConnecting, sessionStateConnected, sessionStateOnHold}, Dst: sessionStateReplaced},
		},
		fsm.Callbacks{},
	)
	return s
}

// ID возвращает идентификатор звонка
func (s *Session) ID() string {
	return s.id
}

// Direction возвращает направление звонка
func (s *Session) Direction() Direction {
	return s.direction
}

// Status возвращает текущий статус сессии. Включенный микрофонный mute
// не меняет состояние FSM, но отражается в статусе подключенной сессии.
func (s *Session) Status() SessionStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() SessionStatus {
	switch s.stateMachine.Current() {
	case sessionStateConnected:
		if s.isOnMute {
			return SessionOnMute
		}
		return SessionConnected
	case sessionStateOnHold:
		return SessionOnHold
	case sessionStateFinished:
		return SessionFinished
	case sessionStateReplaced:
		return SessionReplaced
	default:
		return SessionConnecting
	}
}

// Info возвращает снимок состояния сессии
func (s *Session) Info() SessionInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return SessionInfo{
		ID:                 s.id,
		Direction:          s.direction,
		Status:             s.statusLocked(),
		From:               s.from,
		To:                 s.to,
		PartyID:            s.partyID,
		TelephonySessionID: s.telephonySessionID,
		CreationTime:       s.creationTime,
		StartTime:          s.startTime,
		EndTime:            s.endTime,
		IsOnMute:           s.isOnMute,
		IsOnTransfer:       s.isOnTransfer,
		IsForwarded:        s.isForwarded,
		IsOnFlip:           s.isOnFlip,
		IsToVoicemail:      s.isToVoicemail,
		IsReplied:          s.isReplied,
		Minimized:          s.minimized,
		Cached:             s.cached,
		RecordStatus:       s.recordStatus,
		ControlStatus:      s.controlStatus,
		ContactMatch:       s.contactMatch,
	}
}

// IsRinging сообщает, что входящая сессия еще не отвечена
func (s *Session) IsRinging() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.direction == DirectionInbound && s.stateMachine.Current() == sessionStateConnecting
}

// IsActive сообщает, что сессия подключена и не на удержании
func (s *Session) IsActive() bool {
	return s.Status() == SessionConnected || s.Status() == SessionOnMute
}

// IsFinished сообщает, что сессия завершена или заменена
func (s *Session) IsFinished() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	current := s.stateMachine.Current()
	return current == sessionStateFinished || current == sessionStateReplaced
}

// markAccepted переводит сессию в connected. Возвращает true только при
// первом подтверждении: повторные события транспорта игнорируются.
func (s *Session) markAccepted() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.stateMachine.Can("accept") {
		return false
	}
	if err := s.stateMachine.Event(context.Background(), "accept"); err != nil {
		return false
	}
	s.startTime = time.Now()
	return true
}

// markStartFired отмечает отправку callStart. Возвращает false, если
// колбэк уже срабатывал для этой сессии.
func (s *Session) markStartFired() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.startFired {
		return false
	}
	s.startFired = true
	return true
}

// markFinished переводит сессию в finished. Возвращает false при
// повторном завершении.
func (s *Session) markFinished() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.stateMachine.Can("finish") {
		return false
	}
	if err := s.stateMachine.Event(context.Background(), "finish"); err != nil {
		return false
	}
	s.endTime = time.Now()
	return true
}

// markReplaced переводит сессию в replaced
func (s *Session) markReplaced() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.stateMachine.Can("replace") {
		return false
	}
	if err := s.stateMachine.Event(context.Background(), "replace"); err != nil {
		return false
	}
	s.endTime = time.Now()
	return true
}

func (s *Session) setHold(onHold bool) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	event := "hold"
	if !onHold {
		event = "unhold"
	}
	if !s.stateMachine.Can(event) {
		return false
	}
	return s.stateMachine.Event(context.Background(), event) == nil
}

func (s *Session) setMute(muted bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.isOnMute = muted
}

func (s *Session) setOnTransfer(v bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.isOnTransfer = v
}

func (s *Session) setForwarded(v bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.isForwarded = v
}

func (s *Session) setOnFlip(v bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.isOnFlip = v
}

func (s *Session) setToVoicemail() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.isToVoicemail = true
}

func (s *Session) setReplied() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.isReplied = true
}

// SetMinimized управляет свернутым отображением сессии
func (s *Session) SetMinimized(v bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.minimized = v
}

// ToggleMinimized переключает свернутое отображение
func (s *Session) ToggleMinimized() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.minimized = !s.minimized
}

func (s *Session) setCached(v bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cached = v
}

// Cached сообщает, что сессия сохраняется в реестре после завершения
func (s *Session) Cached() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cached
}

// updateHeaders обновляет метаданные звонка из промежуточных ответов
// транспорта. Известные значения не затираются пустыми.
func (s *Session) updateHeaders(headers map[string]string) {
	if len(headers) == 0 {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if v := headers["from"]; v != "" {
		s.from = v
	}
	if v := headers["to"]; v != "" {
		s.to = v
	}
	if v := headers["party-id"]; v != "" {
		s.partyID = v
	}
	if v := headers["session-id"]; v != "" {
		s.telephonySessionID = v
	}
	if s.headers == nil {
		s.headers = make(map[string]string)
	}
	for name, value := range headers {
		if value != "" {
			s.headers[name] = value
		}
	}
}

// setAPIIDs сохраняет серверные идентификаторы звонка, полученные при
// подтверждении. Пустые значения не затирают уже известные.
func (s *Session) setAPIIDs(partyID, telephonySessionID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if partyID != "" {
		s.partyID = partyID
	}
	if telephonySessionID != "" {
		s.telephonySessionID = telephonySessionID
	}
}

func (s *Session) setContactMatch(match any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.contactMatch = match
}

// RecordStatus возвращает состояние записи разговора
func (s *Session) RecordStatus() RecordStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.recordStatus
}

// setRecordStatus переводит подмашину записи. Допустимые переходы:
// idle→pending, pending→recording, pending→noAccess, pending→idle,
// recording→pending, recording→idle.
func (s *Session) setRecordStatus(status RecordStatus) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch status {
	case RecordPending:
		if s.recordStatus != RecordIdle && s.recordStatus != RecordRecording {
			return false
		}
	case RecordRecording, RecordNoAccess:
		if s.recordStatus != RecordPending {
			return false
		}
	case RecordIdle:
		// Сброс допустим из любого состояния
	}
	s.recordStatus = status
	return true
}

func (s *Session) setControls(tokens []dtmf.Token, status ControlStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.controls = tokens
	s.controlStatus = status
}

func (s *Session) setControlStatus(status ControlStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.controlStatus = status
}

// Controls возвращает оставшуюся последовательность дополнительных сигналов
func (s *Session) Controls() []dtmf.Token {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]dtmf.Token{}, s.controls...)
}

// From возвращает номер вызывающей стороны
func (s *Session) From() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.from
}

// To возвращает номер вызываемой стороны
func (s *Session) To() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.to
}
