package conference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/webphone/pkg/webphone"
)

// Permissions права учетной записи на конференц-звонки
type Permissions interface {
	CallingEnabled() bool
	WebphoneEnabled() bool
}

// Dialer выполняет исходящий звонок на конференц-мост. Реализуется
// поверх CallManager.
type Dialer interface {
	Dial(ctx context.Context, to string) (sessionID string, err error)
}

// SessionProvider доступ к активным сессиям webphone
type SessionProvider interface {
	SessionInfo(sessionID string) (webphone.SessionInfo, bool)
	Hangup(ctx context.Context, sessionID string) error
}

// EventKind тип события координатора
type EventKind string

const (
	EventConferenceCreated EventKind = "conferenceCreated"
	EventConferenceRemoved EventKind = "conferenceRemoved"
	EventPartyAdded        EventKind = "partyAdded"
	EventPartyRemoved      EventKind = "partyRemoved"
	EventStatusUpdated     EventKind = "statusUpdated"
)

// Event событие координатора со снимком конференции
type Event struct {
	Kind         EventKind
	ConferenceID string
	PartyID      string
	Conference   *Conference
}

// Config конфигурация координатора конференций
type Config struct {
	// Client клиент телефонного API (обязательно)
	Client Client
	// Alert получатель пользовательских уведомлений (обязательно)
	Alert webphone.Alert
	// Dialer исходящие звонки на конференц-мост (обязательно)
	Dialer Dialer
	// Sessions доступ к сессиям webphone (обязательно)
	Sessions SessionProvider

	// Permissions права на конференции. Необязательно: nil разрешает все.
	Permissions Permissions
	// Matcher запускает сопоставление контактов для новых участников.
	// Необязательно.
	Matcher webphone.ContactMatcher
	// Logger структурный логгер. По умолчанию slog.Default().
	Logger *slog.Logger
	// Metrics счетчики операций. Необязательно.
	Metrics *webphone.Metrics

	// Capacity максимальное число участников конференции (по умолчанию 11)
	Capacity int
	// SettleDelay пауза между созданием конференции и добавлением
	// участников (по умолчанию 800ms)
	SettleDelay time.Duration
	// PollTTL период опроса состояния конференции (по умолчанию 5s)
	PollTTL time.Duration
	// PollingEnabled включает автоматический опрос созданных конференций
	PollingEnabled bool
}

// Validate проверяет конфигурацию и применяет значения по умолчанию
func (c *Config) Validate() error {
	if c.Client == nil {
		return fmt.Errorf("отсутствует обязательная зависимость Client")
	}
	if c.Alert == nil {
		return fmt.Errorf("отсутствует обязательная зависимость Alert")
	}
	if c.Dialer == nil {
		return fmt.Errorf("отсутствует обязательная зависимость Dialer")
	}
	if c.Sessions == nil {
		return fmt.Errorf("отсутствует обязательная зависимость Sessions")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Capacity <= 0 {
		c.Capacity = 11
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 800 * time.Millisecond
	}
	if c.PollTTL <= 0 {
		c.PollTTL = 5 * time.Second
	}
	return nil
}

// Coordinator управляет конференциями: создание, слияние звонков,
// добавление и удаление участников, опрос состояния
type Coordinator struct {
	config Config

	mutex       sync.RWMutex
	conferences map[string]*Conference
	pollCancels map[string]context.CancelFunc
	merging     bool
	observers   []func(Event)

	// sleep подменяется в тестах
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator создает координатор конференций
func NewCoordinator(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация координатора: %w", err)
	}
	return &Coordinator{
		config:      config,
		conferences: make(map[string]*Conference),
		pollCancels: make(map[string]context.CancelFunc),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}, nil
}

// OnEvent регистрирует наблюдателя событий координатора
func (c *Coordinator) OnEvent(fn func(Event)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Coordinator) emit(event Event) {
	c.mutex.RLock()
	observers := append([]func(Event){}, c.observers...)
	c.mutex.RUnlock()
	for _, fn := range observers {
		fn(event)
	}
}

func (c *Coordinator) countOperation(operation, result string) {
	if c.config.Metrics != nil {
		c.config.Metrics.ConferenceOperations.WithLabelValues(operation, result).Inc()
	}
}

// IsMerging сообщает, что слияние звонков в конференцию выполняется
func (c *Coordinator) IsMerging() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.merging
}

// Conference возвращает снимок конференции по идентификатору
func (c *Coordinator) Conference(conferenceID string) (*Conference, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	conference, ok := c.conferences[conferenceID]
	if !ok {
		return nil, false
	}
	return conference.clone(), true
}

// Conferences возвращает снимки всех конференций
func (c *Coordinator) Conferences() []*Conference {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]*Conference, 0, len(c.conferences))
	for _, conference := range c.conferences {
		result = append(result, conference.clone())
	}
	return result
}

// FindConferenceWithSession возвращает конференцию, чьим хостом является
// указанная сессия webphone
func (c *Coordinator) FindConferenceWithSession(sessionID string) (*Conference, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for _, conference := range c.conferences {
		if conference.SessionID == sessionID {
			return conference.clone(), true
		}
	}
	return nil, false
}

// CountOnlineParties возвращает число присутствующих участников
func (c *Coordinator) CountOnlineParties(conferenceID string) int {
	conference, ok := c.Conference(conferenceID)
	if !ok {
		return 0
	}
	return len(conference.OnlineParties())
}

// IsOverload сообщает, что конференция достигла предела участников
func (c *Coordinator) IsOverload(conferenceID string) bool {
	return c.CountOnlineParties(conferenceID) >= c.config.Capacity
}

func (c *Coordinator) permitted() bool {
	if c.config.Permissions == nil {
		return true
	}
	return c.config.Permissions.CallingEnabled() && c.config.Permissions.WebphoneEnabled()
}

// MakeConference создает конференцию и звонит на конференц-мост.
// propagate управляет доставкой ошибки: false показывает уведомление.
func (c *Coordinator) MakeConference(ctx context.Context, propagate bool) (*Conference, error) {
	if !c.permitted() {
		c.config.Alert.Danger(CodeNoConferencePerm, nil)
		return nil, fmt.Errorf("конференции недоступны для учетной записи")
	}

	conference, err := c.config.Client.CreateConference(ctx)
	if err != nil {
		c.countOperation("create", "error")
		if !propagate {
			c.config.Alert.Danger(CodeMakeConferenceFailed, nil)
		}
		return nil, fmt.Errorf("создание конференции: %w", err)
	}

	sessionID, err := c.config.Dialer.Dial(ctx, conference.VoiceCallToken)
	if err != nil {
		c.countOperation("create", "error")
		// Конференция без хоста бесполезна, завершаем ее
		if terminateErr := c.config.Client.TerminateConference(ctx, conference.ID); terminateErr != nil {
			c.config.Logger.Warn("не удалось завершить конференцию без хоста",
				"conferenceID", conference.ID, "error", terminateErr)
		}
		if !propagate {
			c.config.Alert.Danger(CodeMakeConferenceFailed, nil)
		}
		return nil, fmt.Errorf("звонок на конференц-мост: %w", err)
	}
	conference.SessionID = sessionID

	c.mutex.Lock()
	c.conferences[conference.ID] = conference
	c.mutex.Unlock()

	c.countOperation("create", "ok")
	c.config.Logger.Info("конференция создана", "conferenceID", conference.ID, "sessionID", sessionID)
	c.emit(Event{Kind: EventConferenceCreated, ConferenceID: conference.ID, Conference: conference.clone()})

	if c.config.PollingEnabled {
		c.StartPolling(conference.ID)
	}
	return conference.clone(), nil
}

// BringIn добавляет звонок в конференцию. Сессия должна быть исходящей,
// подтвержденной и иметь серверные идентификаторы. Проверка заполненности
// выполняется до обращения к API.
func (c *Coordinator) BringIn(ctx context.Context, conferenceID, sessionID string) (*Party, error) {
	return c.bringIn(ctx, conferenceID, sessionID, false)
}

func (c *Coordinator) bringIn(ctx context.Context, conferenceID, sessionID string, propagate bool) (*Party, error) {
	c.mutex.RLock()
	conference, ok := c.conferences[conferenceID]
	var partyCount int
	if ok {
		partyCount = len(conference.Parties)
	}
	c.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("конференция %s не найдена", conferenceID)
	}
	if partyCount >= c.config.Capacity {
		if !propagate {
			c.config.Alert.Warning(CodeCapacityReached, nil)
		}
		return nil, fmt.Errorf("конференция %s заполнена", conferenceID)
	}

	info, ok := c.config.Sessions.SessionInfo(sessionID)
	if !ok {
		return nil, fmt.Errorf("сессия %s не найдена", sessionID)
	}
	if info.Direction != webphone.DirectionOutbound {
		return nil, fmt.Errorf("сессия %s не является исходящей", sessionID)
	}
	if info.Status != webphone.SessionConnected && info.Status != webphone.SessionOnMute && info.Status != webphone.SessionOnHold {
		return nil, fmt.Errorf("сессия %s не подтверждена", sessionID)
	}
	if info.PartyID == "" || info.TelephonySessionID == "" {
		return nil, fmt.Errorf("сессия %s не имеет серверных идентификаторов", sessionID)
	}

	party, err := c.config.Client.BringInParty(ctx, conferenceID, SessionDescriptor{
		PartyID:   info.PartyID,
		SessionID: info.TelephonySessionID,
	})
	if err != nil {
		c.countOperation("bringIn", "error")
		if !propagate {
			c.config.Alert.Danger(CodeBringInFailed, nil)
		}
		return nil, fmt.Errorf("добавление в конференцию: %w", err)
	}

	c.mutex.Lock()
	if current, exists := c.conferences[conferenceID]; exists {
		current.Parties = append(current.Parties, *party)
	}
	c.mutex.Unlock()

	c.countOperation("bringIn", "ok")
	c.emit(Event{Kind: EventPartyAdded, ConferenceID: conferenceID, PartyID: party.ID})

	// Полный состав конференции после добавления известен только серверу
	if _, err := c.UpdateStatus(ctx, conferenceID); err != nil {
		c.config.Logger.Warn("обновление конференции после добавления не выполнено",
			"conferenceID", conferenceID, "error", err)
	}
	if c.config.Matcher != nil {
		c.config.Matcher.TriggerMatch()
	}
	return party, nil
}

// Merge объединяет звонки в конференцию. При отсутствии конференции она
// создается, после чего выдерживается пауза на стабилизацию моста.
// При отказе добавления созданная конференция завершается целиком.
func (c *Coordinator) Merge(ctx context.Context, conferenceID string, sessionIDs []string) (*Conference, error) {
	c.mutex.Lock()
	if c.merging {
		c.mutex.Unlock()
		return nil, fmt.Errorf("слияние уже выполняется")
	}
	c.merging = true
	c.mutex.Unlock()
	defer func() {
		c.mutex.Lock()
		c.merging = false
		c.mutex.Unlock()
	}()

	created := false
	if conferenceID == "" {
		conference, err := c.MakeConference(ctx, true)
		if err != nil {
			c.config.Alert.Danger(CodeMergeFailed, nil)
			return nil, err
		}
		conferenceID = conference.ID
		created = true

		// Мост принимает участников не сразу после создания
		if err := c.sleep(ctx, c.config.SettleDelay); err != nil {
			return nil, err
		}
	} else {
		// Опрос состояния приостанавливается на время слияния
		c.StopPolling(conferenceID)
		defer func() {
			if c.config.PollingEnabled {
				c.StartPolling(conferenceID)
			}
		}()
	}

	for _, sessionID := range sessionIDs {
		if _, err := c.bringIn(ctx, conferenceID, sessionID, true); err != nil {
			c.countOperation("merge", "error")
			c.config.Alert.Danger(CodeMergeFailed, nil)
			// Частично собранная новая конференция завершается целиком
			if created {
				if terminateErr := c.Terminate(ctx, conferenceID); terminateErr != nil {
					c.config.Logger.Warn("не удалось завершить конференцию после отказа слияния",
						"conferenceID", conferenceID, "error", terminateErr)
				}
			}
			return nil, fmt.Errorf("слияние звонка %s: %w", sessionID, err)
		}
	}

	c.countOperation("merge", "ok")
	conference, _ := c.Conference(conferenceID)
	return conference, nil
}

// RemoveParty удаляет участника из конференции
func (c *Coordinator) RemoveParty(ctx context.Context, conferenceID, partyID string) error {
	if _, ok := c.Conference(conferenceID); !ok {
		return fmt.Errorf("конференция %s не найдена", conferenceID)
	}
	if err := c.config.Client.RemoveParty(ctx, conferenceID, partyID); err != nil {
		c.countOperation("removeParty", "error")
		c.config.Alert.Warning(CodeRemovePartyFailed, nil)
		return fmt.Errorf("удаление участника: %w", err)
	}

	c.mutex.Lock()
	if conference, exists := c.conferences[conferenceID]; exists {
		for i := range conference.Parties {
			if conference.Parties[i].ID == partyID {
				conference.Parties[i].Status = PartyStatusDisconnected
				break
			}
		}
	}
	c.mutex.Unlock()

	c.countOperation("removeParty", "ok")
	c.emit(Event{Kind: EventPartyRemoved, ConferenceID: conferenceID, PartyID: partyID})
	return nil
}

// Terminate завершает конференцию для всех участников
func (c *Coordinator) Terminate(ctx context.Context, conferenceID string) error {
	conference, ok := c.Conference(conferenceID)
	if !ok {
		return fmt.Errorf("конференция %s не найдена", conferenceID)
	}
	if err := c.config.Client.TerminateConference(ctx, conferenceID); err != nil {
		c.countOperation("terminate", "error")
		c.config.Alert.Warning(CodeTerminateFailed, nil)
		return fmt.Errorf("завершение конференции: %w", err)
	}
	c.removeConference(conferenceID)

	// Локальная сессия хоста завершается вместе с конференцией
	if conference.SessionID != "" {
		if err := c.config.Sessions.Hangup(ctx, conference.SessionID); err != nil {
			c.config.Logger.Warn("не удалось завершить сессию хоста конференции",
				"sessionID", conference.SessionID, "error", err)
		}
	}
	c.countOperation("terminate", "ok")
	return nil
}

// UpdateStatus опрашивает состояние конференции. При ошибке возвращается
// последний известный снимок. Конференция без присутствующих участников
// удаляется.
func (c *Coordinator) UpdateStatus(ctx context.Context, conferenceID string) (*Conference, error) {
	previous, ok := c.Conference(conferenceID)
	if !ok {
		return nil, fmt.Errorf("конференция %s не найдена", conferenceID)
	}

	fresh, err := c.config.Client.ConferenceStatus(ctx, conferenceID)
	if err != nil {
		c.countOperation("poll", "error")
		return previous, fmt.Errorf("опрос конференции: %w", err)
	}
	fresh.SessionID = previous.SessionID
	if fresh.VoiceCallToken == "" {
		fresh.VoiceCallToken = previous.VoiceCallToken
	}

	if len(fresh.OnlineParties()) == 0 && len(fresh.Parties) > 0 {
		// Все участники покинули конференцию
		c.removeConference(conferenceID)
		return fresh.clone(), nil
	}

	c.mutex.Lock()
	if _, exists := c.conferences[conferenceID]; exists {
		c.conferences[conferenceID] = fresh
	}
	c.mutex.Unlock()

	c.countOperation("poll", "ok")
	c.emit(Event{Kind: EventStatusUpdated, ConferenceID: conferenceID, Conference: fresh.clone()})
	return fresh.clone(), nil
}

// StartPolling запускает периодический опрос конференции. Повторный
// запуск для той же конференции не создает второй цикл.
func (c *Coordinator) StartPolling(conferenceID string) {
	c.mutex.Lock()
	if _, running := c.pollCancels[conferenceID]; running {
		c.mutex.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancels[conferenceID] = cancel
	c.mutex.Unlock()

	go func() {
		for {
			if err := c.sleep(ctx, c.config.PollTTL); err != nil {
				return
			}
			if _, ok := c.Conference(conferenceID); !ok {
				c.StopPolling(conferenceID)
				return
			}
			if _, err := c.UpdateStatus(ctx, conferenceID); err != nil {
				c.config.Logger.Warn("опрос конференции не выполнен",
					"conferenceID", conferenceID, "error", err)
			}
		}
	}()
}

// StopPolling останавливает опрос конференции. Повторная остановка
// безопасна.
func (c *Coordinator) StopPolling(conferenceID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if cancel, running := c.pollCancels[conferenceID]; running {
		cancel()
		delete(c.pollCancels, conferenceID)
	}
}

// removeConference удаляет конференцию из снимков и останавливает опрос
func (c *Coordinator) removeConference(conferenceID string) {
	c.mutex.Lock()
	_, existed := c.conferences[conferenceID]
	delete(c.conferences, conferenceID)
	cancel, running := c.pollCancels[conferenceID]
	if running {
		delete(c.pollCancels, conferenceID)
	}
	c.mutex.Unlock()

	if running {
		cancel()
	}
	if existed {
		c.emit(Event{Kind: EventConferenceRemoved, ConferenceID: conferenceID})
	}
}

// OnSessionEnded уведомляет координатор о завершении сессии webphone.
// Завершение сессии хоста закрывает локальный снимок конференции.
func (c *Coordinator) OnSessionEnded(info webphone.SessionInfo) {
	conference, ok := c.FindConferenceWithSession(info.ID)
	if !ok {
		return
	}
	c.config.Logger.Info("сессия хоста конференции завершена",
		"conferenceID", conference.ID, "sessionID", info.ID)
	c.removeConference(conference.ID)
}
