package webphone

import (
	"context"
	"errors"
)

// EventKind тип события сигнального транспорта
type EventKind string

const (
	// События регистрации endpoint'а
	EventRegistered         EventKind = "registered"
	EventUnregistered       EventKind = "unregistered"
	EventRegistrationFailed EventKind = "registrationFailed"

	// События жизненного цикла вызова
	EventInvite     EventKind = "invite"
	EventProgress   EventKind = "progress"
	EventAccepted   EventKind = "accepted"
	EventRejected   EventKind = "rejected"
	EventFailed     EventKind = "failed"
	EventTerminated EventKind = "terminated"
	EventCancel     EventKind = "cancel"
	EventReplaced   EventKind = "replaced"
	EventMuted      EventKind = "muted"
	EventUnmuted    EventKind = "unmuted"
	EventHold       EventKind = "hold"
	EventUnhold     EventKind = "unhold"
)

// CallInfo сведения о вызове, известные транспорту
type CallInfo struct {
	CallID  string
	From    string
	To      string
	Headers map[string]string
}

// Event событие сигнального транспорта.
// Для событий регистрации CallID пуст; для EventRegistrationFailed заполнены
// StatusCode и Cause. Для EventReplaced поле Replacement описывает новый
// вызов, замещающий исходный.
type Event struct {
	Kind        EventKind
	CallID      string
	StatusCode  int
	Cause       string
	Headers     map[string]string
	Replacement *CallInfo
}

// EventHandler обработчик событий транспорта
type EventHandler func(Event)

// InviteRequest параметры исходящего вызова
type InviteRequest struct {
	To            string
	From          string
	HomeCountryID string
}

// ReplyOptions параметры ответа сообщением на входящий вызов
type ReplyOptions struct {
	Message string
}

// Transport описывает сигнальный транспорт — внешний коллаборатор,
// предоставляющий регистрацию endpoint'а и примитивы управления вызовом.
// Исходы регистрации и события вызовов доставляются асинхронно через
// обработчики, зарегистрированные OnEvent.
//
// Все блокирующие операции принимают context и возвращают ошибку транспорта.
// Реализация обязана вызывать обработчики событий последовательно, сохраняя
// порядок наблюдения событий для каждого вызова.
type Transport interface {
	// Регистрация endpoint'а
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Close() error

	// Исходящий вызов; возвращает идентификатор созданного вызова
	Invite(ctx context.Context, req InviteRequest) (string, error)

	// Примитивы управления вызовом
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	Hold(ctx context.Context, callID string) error
	Unhold(ctx context.Context, callID string) error
	Mute(ctx context.Context, callID string) error
	Unmute(ctx context.Context, callID string) error
	Transfer(ctx context.Context, callID, target string) error
	WarmTransfer(ctx context.Context, callID, withCallID string) error
	Park(ctx context.Context, callID string) error
	Flip(ctx context.Context, callID, value string) error
	SendDTMF(ctx context.Context, callID, tones string) error
	Terminate(ctx context.Context, callID string) error
	ToVoicemail(ctx context.Context, callID string) error
	ReplyWithMessage(ctx context.Context, callID string, opts ReplyOptions) error
	StartRecord(ctx context.Context, callID string) error
	StopRecord(ctx context.Context, callID string) error

	// Подписка на события; обработчики вызываются в порядке регистрации
	OnEvent(h EventHandler)
}

// Коды ошибок транспорта с особой обработкой на уровне команд
const (
	// CodeCallAlreadyAnswered вызов уже отвечен (например, с другого
	// устройства); команда answer не должна завершать сессию
	CodeCallAlreadyAnswered = 2

	// CodeRecordingDisabled запись запрещена для данной учетной записи
	CodeRecordingDisabled = -5
)

// TransportError ошибка транспорта с числовым кодом исхода операции
type TransportError struct {
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	return e.Message
}

// Code возвращает числовой код ошибки
func (e *TransportError) Code() int {
	return e.StatusCode
}

// transportCode извлекает числовой код из ошибки транспорта
func transportCode(err error) (int, bool) {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.StatusCode, true
	}
	return 0, false
}
