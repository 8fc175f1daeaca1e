package conference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/webphone"
)

type mockClient struct {
	mutex    sync.Mutex
	calls    []string
	errs     map[string]error
	status   *Conference
	partySeq int
}

func newMockClient() *mockClient {
	return &mockClient{errs: make(map[string]error)}
}

func (c *mockClient) record(name string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.calls = append(c.calls, name)
	return c.errs[name]
}

func (c *mockClient) callNames() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string{}, c.calls...)
}

func (c *mockClient) CreateConference(ctx context.Context) (*Conference, error) {
	if err := c.record("create"); err != nil {
		return nil, err
	}
	return &Conference{ID: "conf-1", VoiceCallToken: "token-1"}, nil
}

func (c *mockClient) BringInParty(ctx context.Context, conferenceID string, descriptor SessionDescriptor) (*Party, error) {
	if err := c.record("bringIn:" + descriptor.PartyID); err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.partySeq++
	party := Party{ID: fmt.Sprintf("party-%d", c.partySeq), Status: PartyStatusAnswered}
	if c.status == nil {
		c.status = &Conference{ID: conferenceID}
	}
	c.status.Parties = append(c.status.Parties, party)
	return &party, nil
}

func (c *mockClient) RemoveParty(ctx context.Context, conferenceID, partyID string) error {
	return c.record("removeParty:" + partyID)
}

func (c *mockClient) ConferenceStatus(ctx context.Context, conferenceID string) (*Conference, error) {
	if err := c.record("status"); err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.status != nil {
		return c.status.clone(), nil
	}
	return &Conference{ID: conferenceID}, nil
}

func (c *mockClient) TerminateConference(ctx context.Context, conferenceID string) error {
	return c.record("terminate")
}

type mockDialer struct {
	mutex sync.Mutex
	calls []string
	err   error
}

func (d *mockDialer) Dial(ctx context.Context, to string) (string, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.calls = append(d.calls, to)
	if d.err != nil {
		return "", d.err
	}
	return "host-1", nil
}

type mockSessions struct {
	mutex    sync.Mutex
	sessions map[string]webphone.SessionInfo
	hangups  []string
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: make(map[string]webphone.SessionInfo)}
}

func (s *mockSessions) add(id string, status webphone.SessionStatus) {
	s.addWithDirection(id, status, webphone.DirectionOutbound)
}

func (s *mockSessions) addWithDirection(id string, status webphone.SessionStatus, direction webphone.Direction) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sessions[id] = webphone.SessionInfo{
		ID:                 id,
		Direction:          direction,
		Status:             status,
		PartyID:            "p-" + id,
		TelephonySessionID: "ts-" + id,
	}
}

func (s *mockSessions) SessionInfo(id string) (webphone.SessionInfo, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	info, ok := s.sessions[id]
	return info, ok
}

func (s *mockSessions) Hangup(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.hangups = append(s.hangups, id)
	return nil
}

type recordingAlert struct {
	mutex    sync.Mutex
	warnings []webphone.Code
	dangers  []webphone.Code
}

func (a *recordingAlert) Info(code webphone.Code, payload map[string]any)    {}
func (a *recordingAlert) Warning(code webphone.Code, payload map[string]any) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.warnings = append(a.warnings, code)
}
func (a *recordingAlert) Danger(code webphone.Code, payload map[string]any) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.dangers = append(a.dangers, code)
}

func (a *recordingAlert) dangerCodes() []webphone.Code {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]webphone.Code{}, a.dangers...)
}

func newTestCoordinator(t *testing.T, mutate func(*Config)) (*Coordinator, *mockClient, *mockDialer, *mockSessions, *recordingAlert) {
	t.Helper()
	client := newMockClient()
	dialer := &mockDialer{}
	sessions := newMockSessions()
	alert := &recordingAlert{}
	config := Config{
		Client:   client,
		Alert:    alert,
		Dialer:   dialer,
		Sessions: sessions,
	}
	if mutate != nil {
		mutate(&config)
	}
	coordinator, err := NewCoordinator(config)
	require.NoError(t, err)
	return coordinator, client, dialer, sessions, alert
}

func TestMakeConference(t *testing.T) {
	coordinator, _, dialer, _, _ := newTestCoordinator(t, nil)

	var events []EventKind
	coordinator.OnEvent(func(event Event) { events = append(events, event.Kind) })

	conference, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "conf-1", conference.ID)
	assert.Equal(t, "host-1", conference.SessionID)
	// Звонок выполняется на токен конференц-моста
	assert.Equal(t, []string{"token-1"}, dialer.calls)
	assert.Equal(t, []EventKind{EventConferenceCreated}, events)
}

func TestMakeConferenceDialFailureTerminates(t *testing.T) {
	coordinator, client, dialer, _, alert := newTestCoordinator(t, nil)
	dialer.err = errors.New("мост недоступен")

	_, err := coordinator.MakeConference(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, client.callNames(), "terminate")
	assert.Contains(t, alert.dangerCodes(), CodeMakeConferenceFailed)
	assert.Empty(t, coordinator.Conferences())
}

func TestBringInCapacityCheckedBeforeRequest(t *testing.T) {
	coordinator, client, _, sessions, _ := newTestCoordinator(t, func(c *Config) {
		c.Capacity = 2
	})
	sessions.add("s-1", webphone.SessionConnected)
	sessions.add("s-2", webphone.SessionConnected)
	sessions.add("s-3", webphone.SessionConnected)

	_, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)

	_, err = coordinator.BringIn(context.Background(), "conf-1", "s-1")
	require.NoError(t, err)
	_, err = coordinator.BringIn(context.Background(), "conf-1", "s-2")
	require.NoError(t, err)

	// Предел достигнут: запрос к API не выполняется
	before := len(client.callNames())
	_, err = coordinator.BringIn(context.Background(), "conf-1", "s-3")
	require.Error(t, err)
	assert.Equal(t, before, len(client.callNames()))
}

func TestBringInRequiresConfirmedSession(t *testing.T) {
	coordinator, _, _, sessions, _ := newTestCoordinator(t, nil)
	sessions.add("ringing", webphone.SessionConnecting)

	_, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)

	_, err = coordinator.BringIn(context.Background(), "conf-1", "ringing")
	require.Error(t, err)
	_, err = coordinator.BringIn(context.Background(), "conf-1", "missing")
	require.Error(t, err)
}

func TestBringInRejectsInboundSession(t *testing.T) {
	coordinator, client, _, sessions, _ := newTestCoordinator(t, nil)
	sessions.addWithDirection("in-1", webphone.SessionConnected, webphone.DirectionInbound)

	_, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)

	// Входящий звонок не добавляется, запрос к API не выполняется
	before := len(client.callNames())
	_, err = coordinator.BringIn(context.Background(), "conf-1", "in-1")
	require.Error(t, err)
	assert.Equal(t, before, len(client.callNames()))
}

type mockMatcher struct {
	mutex    sync.Mutex
	triggers int
}

func (m *mockMatcher) TriggerMatch() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.triggers++
}

func TestBringInRefreshesStatusAndMatches(t *testing.T) {
	matcher := &mockMatcher{}
	coordinator, client, _, sessions, _ := newTestCoordinator(t, func(c *Config) {
		c.Matcher = matcher
	})
	sessions.add("s-1", webphone.SessionConnected)

	created, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)

	_, err = coordinator.BringIn(context.Background(), created.ID, "s-1")
	require.NoError(t, err)

	// Состав конференции запрашивается у сервера после добавления
	assert.Contains(t, client.callNames(), "status")
	assert.Equal(t, 1, coordinator.CountOnlineParties(created.ID))

	matcher.mutex.Lock()
	defer matcher.mutex.Unlock()
	assert.Equal(t, 1, matcher.triggers)
}

func TestMergeCreatesConferenceAndSettles(t *testing.T) {
	coordinator, client, _, sessions, _ := newTestCoordinator(t, nil)
	sessions.add("s-1", webphone.SessionConnected)
	sessions.add("s-2", webphone.SessionOnHold)

	var mutex sync.Mutex
	var settles []time.Duration
	coordinator.sleep = func(ctx context.Context, d time.Duration) error {
		mutex.Lock()
		settles = append(settles, d)
		mutex.Unlock()
		return nil
	}

	conference, err := coordinator.Merge(context.Background(), "", []string{"s-1", "s-2"})
	require.NoError(t, err)
	assert.Len(t, conference.Parties, 2)

	// Пауза на стабилизацию моста перед добавлением участников
	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, settles, 1)
	assert.Equal(t, 800*time.Millisecond, settles[0])
	assert.Contains(t, client.callNames(), "bringIn:p-s-1")
	assert.Contains(t, client.callNames(), "bringIn:p-s-2")
}

func TestMergeFailureTerminatesCreatedConference(t *testing.T) {
	coordinator, client, _, sessions, alert := newTestCoordinator(t, nil)
	coordinator.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	sessions.add("s-1", webphone.SessionConnected)
	client.errs["bringIn:p-s-1"] = errors.New("участник недоступен")

	_, err := coordinator.Merge(context.Background(), "", []string{"s-1"})
	require.Error(t, err)
	// Частично собранная конференция завершается целиком
	assert.Contains(t, client.callNames(), "terminate")
	assert.Contains(t, alert.dangerCodes(), CodeMergeFailed)
	assert.Empty(t, coordinator.Conferences())
}

func TestMergeRejectsConcurrent(t *testing.T) {
	coordinator, _, _, _, _ := newTestCoordinator(t, nil)
	coordinator.mutex.Lock()
	coordinator.merging = true
	coordinator.mutex.Unlock()

	_, err := coordinator.Merge(context.Background(), "", []string{"s-1"})
	require.Error(t, err)
}

func TestUpdateStatusReturnsStaleOnFailure(t *testing.T) {
	coordinator, client, _, _, _ := newTestCoordinator(t, nil)

	created, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)
	client.errs["status"] = errors.New("сеть недоступна")

	snapshot, err := coordinator.UpdateStatus(context.Background(), created.ID)
	require.Error(t, err)
	// Последний известный снимок доступен несмотря на ошибку
	require.NotNil(t, snapshot)
	assert.Equal(t, created.ID, snapshot.ID)
}

func TestUpdateStatusRemovesEmptyConference(t *testing.T) {
	coordinator, client, _, _, _ := newTestCoordinator(t, nil)

	created, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)

	client.mutex.Lock()
	client.status = &Conference{
		ID: created.ID,
		Parties: []Party{
			{ID: "party-1", Status: PartyStatusDisconnected},
			{ID: "party-2", Status: "disconnected"},
		},
	}
	client.mutex.Unlock()

	_, err = coordinator.UpdateStatus(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Empty(t, coordinator.Conferences())
}

func TestPartyOnlinePredicate(t *testing.T) {
	// Отсутствующим считается только Disconnected, без учета регистра
	assert.False(t, Party{Status: PartyStatusDisconnected}.Online())
	assert.False(t, Party{Status: "disconnected"}.Online())
	assert.True(t, Party{Status: PartyStatusGone}.Online())
	assert.True(t, Party{Status: PartyStatusAnswered}.Online())
	assert.True(t, Party{Status: PartyStatusSetup}.Online())
}

func TestMergeExistingConferenceRestartsPolling(t *testing.T) {
	coordinator, _, _, sessions, _ := newTestCoordinator(t, func(c *Config) {
		c.PollingEnabled = true
	})
	sessions.add("s-1", webphone.SessionConnected)

	var mutex sync.Mutex
	var cancelled int
	coordinator.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		mutex.Lock()
		cancelled++
		mutex.Unlock()
		return ctx.Err()
	}

	created, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)
	t.Cleanup(func() { coordinator.StopPolling(created.ID) })

	_, err = coordinator.Merge(context.Background(), created.ID, []string{"s-1"})
	require.NoError(t, err)

	// Старый цикл опроса остановлен на время слияния
	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return cancelled >= 1
	}, time.Second, time.Millisecond)

	// После слияния опрос возобновлен
	coordinator.mutex.RLock()
	_, running := coordinator.pollCancels[created.ID]
	coordinator.mutex.RUnlock()
	assert.True(t, running)
}

func TestPollingStopsAfterRemoval(t *testing.T) {
	coordinator, _, _, _, _ := newTestCoordinator(t, func(c *Config) {
		c.PollingEnabled = true
	})

	cancelled := make(chan struct{})
	coordinator.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}

	created, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)

	// Завершение конференции отменяет цикл опроса
	require.NoError(t, coordinator.Terminate(context.Background(), created.ID))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("цикл опроса не остановлен")
	}
}

func TestTerminateHangsUpHostSession(t *testing.T) {
	coordinator, _, _, sessions, _ := newTestCoordinator(t, nil)

	created, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, coordinator.Terminate(context.Background(), created.ID))
	assert.Equal(t, []string{"host-1"}, sessions.hangups)
	assert.Empty(t, coordinator.Conferences())
}

func TestOnSessionEndedRemovesConference(t *testing.T) {
	coordinator, _, _, _, _ := newTestCoordinator(t, nil)

	created, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)

	coordinator.OnSessionEnded(webphone.SessionInfo{ID: created.SessionID})
	assert.Empty(t, coordinator.Conferences())

	_, found := coordinator.FindConferenceWithSession(created.SessionID)
	assert.False(t, found)
}

func TestRemovePartyMarksDisconnected(t *testing.T) {
	coordinator, _, _, sessions, _ := newTestCoordinator(t, nil)
	sessions.add("s-1", webphone.SessionConnected)

	created, err := coordinator.MakeConference(context.Background(), false)
	require.NoError(t, err)
	party, err := coordinator.BringIn(context.Background(), created.ID, "s-1")
	require.NoError(t, err)
	require.Equal(t, 1, coordinator.CountOnlineParties(created.ID))

	require.NoError(t, coordinator.RemoveParty(context.Background(), created.ID, party.ID))
	assert.Equal(t, 0, coordinator.CountOnlineParties(created.ID))
}
