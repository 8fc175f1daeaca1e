package webphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// ConnectionConfig конфигурация менеджера подключения
type ConnectionConfig struct {
	// Transport сигнальный транспорт (обязательно)
	Transport Transport
	// Auth источник состояния аутентификации (обязательно)
	Auth Auth
	// Alert получатель пользовательских уведомлений (обязательно)
	Alert Alert
	// Permissions источник прав учетной записи (обязательно)
	Permissions Permissions
	// Provisioner выделение сигнальных реквизитов и телефонных линий (обязательно)
	Provisioner Provisioner

	// Tabs координатор активности вкладки. Если задан и вкладка неактивна,
	// переподключение откладывается на InactiveTabDelay.
	Tabs TabCoordinator
	// Sessions используется для принудительного завершения звонков при
	// отключении. Необязательно.
	Sessions SessionTerminator
	// Logger структурный логгер. По умолчанию slog.Default().
	Logger *slog.Logger
	// Metrics счетчики подключения. Необязательно.
	Metrics *Metrics

	// FirstRetryDelay задержка первых трех повторов (по умолчанию 10s)
	FirstRetryDelay time.Duration
	// FourthRetryDelay задержка четвертого повтора (по умолчанию 30s)
	FourthRetryDelay time.Duration
	// FifthRetryDelay задержка пятого повтора (по умолчанию 60s)
	FifthRetryDelay time.Duration
	// MaxRetryDelay задержка всех последующих повторов (по умолчанию 120s)
	MaxRetryDelay time.Duration
	// InactiveTabDelay задержка переподключения неактивной вкладки (по умолчанию 10s)
	InactiveTabDelay time.Duration
}

// SessionTerminator завершает все активные звонки. Реализуется CallManager.
type SessionTerminator interface {
	HangupAll(ctx context.Context) error
}

// Validate проверяет конфигурацию и применяет значения по умолчанию
func (c *ConnectionConfig) Validate() error {
	if err := ensure("Transport", c.Transport != nil); err != nil {
		return err
	}
	if err := ensure("Auth", c.Auth != nil); err != nil {
		return err
	}
	if err := ensure("Alert", c.Alert != nil); err != nil {
		return err
	}
	if err := ensure("Permissions", c.Permissions != nil); err != nil {
		return err
	}
	if err := ensure("Provisioner", c.Provisioner != nil); err != nil {
		return err
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FirstRetryDelay <= 0 {
		c.FirstRetryDelay = 10 * time.Second
	}
	if c.FourthRetryDelay <= 0 {
		c.FourthRetryDelay = 30 * time.Second
	}
	if c.FifthRetryDelay <= 0 {
		c.FifthRetryDelay = 60 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 120 * time.Second
	}
	if c.InactiveTabDelay <= 0 {
		c.InactiveTabDelay = 10 * time.Second
	}
	return nil
}

// ConnectionManager управляет жизненным циклом регистрации на сигнальном
// сервере: подключение, отслеживание отказов и переподключение с
// нарастающей задержкой.
type ConnectionManager struct {
	config ConnectionConfig

	mutex        sync.RWMutex
	stateMachine *fsm.FSM
	retryCount   int
	registered   bool

	// retryCancel отменяет запланированное переподключение
	retryCancel context.CancelFunc

	onRegistered   []func()
	onUnregistered []func()
	onRegFailed    []func(statusCode int, cause string)

	// sleep подменяется в тестах
	sleep func(ctx context.Context, d time.Duration) error
}

// Состояния подключения в терминах FSM
const (
	stateDisconnected  = "disconnected"
	stateConnecting    = "connecting"
	stateConnected     = "connected"
	stateConnectFailed = "connectFailed"
	stateDisconnecting = "disconnecting"
)

// NewConnectionManager создает менеджер подключения и подписывается на
// события транспорта
func NewConnectionManager(config ConnectionConfig) (*ConnectionManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация подключения: %w", err)
	}

	cm := &ConnectionManager{
		config: config,
		sleep:  sleepContext,
	}
	cm.stateMachine = fsm.NewFSM(
		stateDisconnected,
		fsm.Events{
			// Начало подключения
			{Name: "connect", Src: []string{stateDisconnected, stateConnectFailed}, Dst: stateConnecting},
			// Успешная регистрация
			{Name: "registered", Src: []string{stateConnecting, stateConnectFailed, stateConnected}, Dst: stateConnected},
			// Отказ регистрации
			{Name: "fail", Src: []string{stateConnecting, stateConnected}, Dst: stateConnectFailed},
			// Повтор после отказа
			{Name: "retry", Src: []string{stateConnectFailed}, Dst: stateConnecting},
			// Начало отключения по команде
			{Name: "disconnect", Src: []string{stateConnecting, stateConnected, stateConnectFailed}, Dst: stateDisconnecting},
			// Завершение отключения
			{Name: "down", Src: []string{stateDisconnecting, stateConnecting, stateConnected, stateConnectFailed}, Dst: stateDisconnected},
		},
		fsm.Callbacks{},
	)

	config.Transport.OnEvent(cm.handleTransportEvent)
	return cm, nil
}

// Status возвращает текущий статус подключения
func (cm *ConnectionManager) Status() ConnectionStatus {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.statusLocked()
}

func (cm *ConnectionManager) statusLocked() ConnectionStatus {
	switch cm.stateMachine.Current() {
	case stateConnecting:
		return ConnectionConnecting
	case stateConnected:
		return ConnectionConnected
	case stateConnectFailed:
		return ConnectionConnectFailed
	case stateDisconnecting:
		return ConnectionDisconnecting
	default:
		return ConnectionDisconnected
	}
}

// RetryCount возвращает число последовательных отказов регистрации
func (cm *ConnectionManager) RetryCount() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.retryCount
}

// OnRegistered регистрирует колбэк успешной регистрации
func (cm *ConnectionManager) OnRegistered(fn func()) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.onRegistered = append(cm.onRegistered, fn)
}

// OnUnregistered регистрирует колбэк снятия регистрации
func (cm *ConnectionManager) OnUnregistered(fn func()) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.onUnregistered = append(cm.onUnregistered, fn)
}

// OnRegistrationFailed регистрирует колбэк отказа регистрации
func (cm *ConnectionManager) OnRegistrationFailed(fn func(statusCode int, cause string)) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.onRegFailed = append(cm.onRegFailed, fn)
}

// Connect инициирует подключение: проверяет аутентификацию и права,
// выделяет реквизиты через Provisioner и отправляет регистрацию.
// Повторный вызов в состояниях connecting/connected/disconnecting
// игнорируется.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mutex.Lock()

	if !cm.config.Auth.LoggedIn() {
		cm.mutex.Unlock()
		return newError(CodeConnectFailed, "пользователь не аутентифицирован", nil)
	}
	if !cm.config.Permissions.WebphoneEnabled() {
		cm.mutex.Unlock()
		cm.config.Alert.Danger(CodeNoPermission, nil)
		return newError(CodeNoPermission, "возможность webphone отключена", nil)
	}
	if !cm.stateMachine.Can("connect") {
		cm.mutex.Unlock()
		return nil
	}
	if err := cm.stateMachine.Event(ctx, "connect"); err != nil {
		cm.mutex.Unlock()
		return fmt.Errorf("переход в connecting не выполнен: %w", err)
	}
	cm.mutex.Unlock()

	// Отсутствие линий не блокирует регистрацию, но пользователя
	// предупреждаем об ограничении исходящих звонков
	lines, err := cm.config.Provisioner.PhoneLines(ctx)
	if err != nil {
		cm.config.Logger.Warn("не удалось получить телефонные линии", "error", err)
		cm.config.Alert.Warning(CodeCheckLinesError, nil)
	} else if len(lines) == 0 {
		cm.config.Alert.Warning(CodeNoPhoneLines, nil)
	}

	if err := cm.config.Provisioner.Provision(ctx); err != nil {
		cm.mutex.Lock()
		_ = cm.stateMachine.Event(ctx, "fail")
		cm.mutex.Unlock()

		if errors.Is(err, ErrNoPermission) {
			// Учетная запись потеряла возможность webphone, повтор бессмыслен
			cm.config.Permissions.RefreshServiceFeatures()
			cm.config.Alert.Danger(CodeNoPermission, nil)
			return newError(CodeNoPermission, "выделение реквизитов отклонено", err)
		}
		cm.config.Alert.Danger(CodeProvisionError, nil)
		return newError(CodeProvisionError, "выделение реквизитов не выполнено", err)
	}

	if err := cm.config.Transport.Register(ctx); err != nil {
		cm.mutex.Lock()
		_ = cm.stateMachine.Event(ctx, "fail")
		cm.mutex.Unlock()
		return newError(CodeConnectFailed, "отправка регистрации не выполнена", err)
	}
	if cm.config.Metrics != nil {
		cm.config.Metrics.RegistrationAttempts.Inc()
	}
	return nil
}

// Disconnect завершает все звонки, снимает регистрацию и закрывает
// транспорт. Запланированные повторы отменяются.
func (cm *ConnectionManager) Disconnect(ctx context.Context) error {
	cm.mutex.Lock()
	if cm.retryCancel != nil {
		cm.retryCancel()
		cm.retryCancel = nil
	}
	if cm.stateMachine.Current() == stateDisconnected {
		cm.mutex.Unlock()
		return nil
	}
	_ = cm.stateMachine.Event(ctx, "disconnect")
	cm.mutex.Unlock()

	if cm.config.Sessions != nil {
		if err := cm.config.Sessions.HangupAll(ctx); err != nil {
			cm.config.Logger.Warn("не удалось завершить активные звонки", "error", err)
		}
	}

	var firstErr error
	if err := cm.config.Transport.Unregister(ctx); err != nil {
		firstErr = fmt.Errorf("снятие регистрации не выполнено: %w", err)
	}
	if err := cm.config.Transport.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("закрытие транспорта не выполнено: %w", err)
	}

	// Переходим в disconnected независимо от ошибок транспорта
	cm.mutex.Lock()
	_ = cm.stateMachine.Event(ctx, "down")
	cm.registered = false
	cm.mutex.Unlock()

	cm.fireUnregistered()
	return firstErr
}

func (cm *ConnectionManager) handleTransportEvent(event Event) {
	switch event.Kind {
	case EventRegistered:
		cm.handleRegistered()
	case EventUnregistered:
		cm.handleUnregistered()
	case EventRegistrationFailed:
		cm.handleRegistrationFailed(event.StatusCode, event.Cause)
	}
}

func (cm *ConnectionManager) handleRegistered() {
	cm.mutex.Lock()
	firstRegister := !cm.registered
	cm.registered = true
	cm.retryCount = 0
	if cm.retryCancel != nil {
		cm.retryCancel()
		cm.retryCancel = nil
	}
	_ = cm.stateMachine.Event(context.Background(), "registered")
	callbacks := append([]func(){}, cm.onRegistered...)
	cm.mutex.Unlock()

	if firstRegister {
		cm.config.Alert.Info(CodeConnected, nil)
	}
	cm.config.Logger.Info("регистрация подтверждена")
	for _, fn := range callbacks {
		fn()
	}
}

func (cm *ConnectionManager) handleUnregistered() {
	cm.mutex.Lock()
	cm.registered = false
	_ = cm.stateMachine.Event(context.Background(), "down")
	cm.mutex.Unlock()
	cm.fireUnregistered()
}

func (cm *ConnectionManager) fireUnregistered() {
	cm.mutex.RLock()
	callbacks := append([]func(){}, cm.onUnregistered...)
	cm.mutex.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (cm *ConnectionManager) handleRegistrationFailed(statusCode int, cause string) {
	cm.mutex.Lock()
	// Отказ уже обработан, транспорт может дублировать событие
	if cm.stateMachine.Current() == stateConnectFailed {
		cm.mutex.Unlock()
		return
	}
	_ = cm.stateMachine.Event(context.Background(), "fail")
	cm.retryCount++
	attempt := cm.retryCount
	callbacks := append([]func(statusCode int, cause string){}, cm.onRegFailed...)
	cm.mutex.Unlock()

	if cm.config.Metrics != nil {
		cm.config.Metrics.RegistrationFailures.WithLabelValues(fmt.Sprintf("%d", statusCode)).Inc()
	}

	class := ClassifyRegistrationFailure(statusCode)
	retry := class.Retry || retryableCause(cause)
	cm.config.Logger.Warn("отказ регистрации",
		"statusCode", statusCode,
		"cause", cause,
		"code", string(class.Code),
		"attempt", attempt,
		"retry", retry,
	)
	cm.config.Alert.Danger(class.Code, map[string]any{"statusCode": statusCode})

	for _, fn := range callbacks {
		fn(statusCode, cause)
	}

	if retry {
		cm.scheduleRetry(attempt)
	}
}

// scheduleRetry планирует переподключение с задержкой, зависящей от числа
// последовательных отказов. Новый план отменяет предыдущий.
func (cm *ConnectionManager) scheduleRetry(attempt int) {
	delay := cm.delayForRetry(attempt)
	if cm.config.Tabs != nil && !cm.config.Tabs.Active() {
		// Неактивная вкладка уступает активной
		delay = cm.config.InactiveTabDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.mutex.Lock()
	if cm.retryCancel != nil {
		cm.retryCancel()
	}
	cm.retryCancel = cancel
	cm.mutex.Unlock()

	go func() {
		if err := cm.sleep(ctx, delay); err != nil {
			return
		}
		cm.mutex.Lock()
		if cm.stateMachine.Current() != stateConnectFailed {
			cm.mutex.Unlock()
			return
		}
		_ = cm.stateMachine.Event(ctx, "retry")
		cm.mutex.Unlock()

		if err := cm.config.Transport.Register(ctx); err != nil {
			cm.config.Logger.Warn("повторная регистрация не выполнена", "error", err)
			cm.handleRegistrationFailed(0, "Connection Error")
			return
		}
		if cm.config.Metrics != nil {
			cm.config.Metrics.RegistrationAttempts.Inc()
		}
	}()
}

// delayForRetry возвращает задержку перед повтором номер attempt
func (cm *ConnectionManager) delayForRetry(attempt int) time.Duration {
	switch {
	case attempt <= 3:
		return cm.config.FirstRetryDelay
	case attempt == 4:
		return cm.config.FourthRetryDelay
	case attempt == 5:
		return cm.config.FifthRetryDelay
	default:
		return cm.config.MaxRetryDelay
	}
}

// sleepContext ожидает указанную длительность или отмену контекста
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
