package webphone

import (
	"errors"
	"fmt"
)

// Code код пользовательской ошибки или уведомления слоя webphone.
// Используется как ключ локализуемого сообщения в Alert.
type Code string

const (
	// Подключение и регистрация
	CodeConnected       Code = "connected"
	CodeConnectFailed   Code = "connectFailed"
	CodeNoPhoneLines    Code = "noOutboundCallWithoutLine"
	CodeCheckLinesError Code = "checkLinesError"
	CodeProvisionError  Code = "provisionError"
	CodeNoPermission    Code = "noWebphonePermission"
	CodeCountOverLimit  Code = "countOverLimit"
	CodeForbidden       Code = "forbidden"
	CodeRequestTimeout  Code = "requestTimeout"
	CodeInternalError   Code = "internalServerError"
	CodeServerTimeout   Code = "serverTimeout"
	CodeUnknownError    Code = "unknownError"

	// Команды над сессиями
	CodeMuteError      Code = "muteError"
	CodeHoldError      Code = "holdError"
	CodeFlipError      Code = "flipError"
	CodeRecordError    Code = "recordError"
	CodeRecordDisabled Code = "recordDisabled"
	CodeTransferError  Code = "transferError"
	CodeForwardError   Code = "forwardError"
	CodeVoicemailError Code = "toVoiceMailError"
	CodeReplyError     Code = "replyError"
	CodeSessionState   Code = "sessionStateError"
)

// ErrNoPermission означает отсутствие возможности webphone, обнаруженное
// при выделении сигнальных реквизитов. Подавляет переподключение и
// инициирует обновление прав учетной записи.
var ErrNoPermission = errors.New("возможность webphone недоступна для учетной записи")

// Error структурированная ошибка слоя webphone
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// FailureClass классификация отказа регистрации
type FailureClass struct {
	Code  Code
	Retry bool
}

// ClassifyRegistrationFailure сопоставляет код ответа регистрации с
// классификацией отказа: превышение лимита endpoint'ов и таймауты подлежат
// повтору, внутренняя ошибка сервера и неизвестные коды — нет.
func ClassifyRegistrationFailure(statusCode int) FailureClass {
	switch statusCode {
	case 503, 603:
		return FailureClass{Code: CodeCountOverLimit, Retry: true}
	case 403:
		return FailureClass{Code: CodeForbidden, Retry: true}
	case 408:
		return FailureClass{Code: CodeRequestTimeout, Retry: true}
	case 504:
		return FailureClass{Code: CodeServerTimeout, Retry: true}
	case 500:
		return FailureClass{Code: CodeInternalError, Retry: false}
	default:
		return FailureClass{Code: CodeUnknownError, Retry: false}
	}
}

// retryableCause причины отказа, требующие переподключения независимо от кода
func retryableCause(cause string) bool {
	switch cause {
	case "Request Timeout", "Connection Error":
		return true
	}
	return false
}
