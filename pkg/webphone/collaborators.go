package webphone

import (
	"context"
	"fmt"
)

// Auth предоставляет состояние аутентификации endpoint'а
type Auth interface {
	LoggedIn() bool
}

// Alert доставляет пользовательские уведомления.
// Поле payload несет дополнительный контекст (номер телефона, код ответа).
type Alert interface {
	Info(code Code, payload map[string]any)
	Warning(code Code, payload map[string]any)
	Danger(code Code, payload map[string]any)
}

// Permissions предоставляет права учетной записи и их обновление
type Permissions interface {
	WebphoneEnabled() bool
	RefreshServiceFeatures()
}

// PhoneLine телефонная линия, привязанная к устройству учетной записи
type PhoneLine struct {
	ID     string
	Number string
}

// Provisioner подготавливает endpoint к регистрации.
//
// PhoneLines возвращает доступные телефонные линии: их отсутствие не
// блокирует подключение, но исходящие вызовы будут недоступны.
// Provision выполняет выделение сигнальных реквизитов перед регистрацией;
// ошибка ErrNoPermission означает отсутствие возможности webphone у учетной
// записи и подавляет переподключение.
type Provisioner interface {
	PhoneLines(ctx context.Context) ([]PhoneLine, error)
	Provision(ctx context.Context) error
}

// ValidatedNumber результат нормализации одного номера
type ValidatedNumber struct {
	Original string
	E164     string
}

// NumberError ошибка валидации конкретного номера
type NumberError struct {
	PhoneNumber string
	Reason      Code
}

// ValidationResult результат проверки набора номеров
type ValidationResult struct {
	Valid   bool
	Numbers []ValidatedNumber
	Errors  []NumberError
}

// NumberValidator проверяет и нормализует телефонные номера перед
// transfer/forward операциями
type NumberValidator interface {
	ValidateNumbers(ctx context.Context, numbers []string) (*ValidationResult, error)
}

// ContactMatcher сопоставляет номера вызовов с контактами (опциональный)
type ContactMatcher interface {
	TriggerMatch()
}

// TabCoordinator сообщает активность владеющего UI контекста (опциональный).
// Пока контекст неактивен, переподключение откладывается.
type TabCoordinator interface {
	Active() bool
}

// AudioHelper проигрывает сигнал входящего вызова (опциональный)
type AudioHelper interface {
	PlayIncoming()
	StopIncoming()
}

// MissingDependencyError отсутствие обязательной зависимости в конфигурации
type MissingDependencyError struct {
	Name string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("отсутствует обязательная зависимость: %s", e.Name)
}

// ensure возвращает типизированную ошибку, если обязательная зависимость
// не установлена
func ensure(name string, present bool) error {
	if !present {
		return &MissingDependencyError{Name: name}
	}
	return nil
}
