package webphone

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, mutate func(*ConnectionConfig)) (*ConnectionManager, *mockTransport, *mockAlert, *mockPermissions, *mockProvisioner) {
	t.Helper()
	transport := newMockTransport()
	alert := &mockAlert{}
	permissions := &mockPermissions{enabled: true}
	provisioner := &mockProvisioner{lines: []PhoneLine{{ID: "line-1", Number: "+15551230001"}}}
	config := ConnectionConfig{
		Transport:   transport,
		Auth:        &mockAuth{loggedIn: true},
		Alert:       alert,
		Permissions: permissions,
		Provisioner: provisioner,
	}
	if mutate != nil {
		mutate(&config)
	}
	cm, err := NewConnectionManager(config)
	require.NoError(t, err)
	return cm, transport, alert, permissions, provisioner
}

func registerCount(transport *mockTransport) int {
	count := 0
	for _, call := range transport.callNames() {
		if strings.HasPrefix(call, "register:") {
			count++
		}
	}
	return count
}

func TestClassifyRegistrationFailure(t *testing.T) {
	tests := []struct {
		statusCode int
		code       Code
		retry      bool
	}{
		{503, CodeCountOverLimit, true},
		{603, CodeCountOverLimit, true},
		{403, CodeForbidden, true},
		{408, CodeRequestTimeout, true},
		{504, CodeServerTimeout, true},
		{500, CodeInternalError, false},
		{599, CodeUnknownError, false},
		{0, CodeUnknownError, false},
	}
	for _, tt := range tests {
		class := ClassifyRegistrationFailure(tt.statusCode)
		assert.Equal(t, tt.code, class.Code, "statusCode %d", tt.statusCode)
		assert.Equal(t, tt.retry, class.Retry, "statusCode %d", tt.statusCode)
	}
}

func TestConnectRequiresAuth(t *testing.T) {
	cm, transport, _, _, _ := newTestConnection(t, func(c *ConnectionConfig) {
		c.Auth = &mockAuth{loggedIn: false}
	})
	err := cm.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, ConnectionDisconnected, cm.Status())
	assert.Empty(t, transport.callNames())
}

func TestConnectRequiresPermission(t *testing.T) {
	cm, _, alert, _, _ := newTestConnection(t, func(c *ConnectionConfig) {
		c.Permissions = &mockPermissions{enabled: false}
	})
	err := cm.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, alert.dangerCodes(), CodeNoPermission)
}

func TestConnectWarnsWithoutPhoneLines(t *testing.T) {
	cm, _, alert, _, provisioner := newTestConnection(t, nil)
	provisioner.lines = nil

	// Отсутствие линий не блокирует подключение
	require.NoError(t, cm.Connect(context.Background()))
	assert.Equal(t, ConnectionConnecting, cm.Status())
	assert.Contains(t, alert.warningCodes(), CodeNoPhoneLines)
}

func TestConnectProvisionNoPermission(t *testing.T) {
	cm, transport, alert, permissions, provisioner := newTestConnection(t, nil)
	provisioner.provisionErr = fmt.Errorf("выделение отклонено: %w", ErrNoPermission)

	err := cm.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, ConnectionConnectFailed, cm.Status())
	// Права обновляются, регистрация не отправляется
	assert.Equal(t, 1, permissions.refreshCount())
	assert.Equal(t, 0, registerCount(transport))
	assert.Contains(t, alert.dangerCodes(), CodeNoPermission)
}

func TestFirstRegisterAlertOnce(t *testing.T) {
	cm, transport, alert, _, _ := newTestConnection(t, nil)
	require.NoError(t, cm.Connect(context.Background()))

	transport.Fire(Event{Kind: EventRegistered})
	transport.Fire(Event{Kind: EventRegistered})

	assert.Equal(t, ConnectionConnected, cm.Status())
	assert.Equal(t, 0, cm.RetryCount())
	// Уведомление о подключении показывается только один раз
	assert.Equal(t, []Code{CodeConnected}, alert.infoCodes())
}

func TestRetryDelayLadder(t *testing.T) {
	cm, transport, _, _, _ := newTestConnection(t, nil)

	var mutex sync.Mutex
	var delays []time.Duration
	cm.sleep = func(ctx context.Context, d time.Duration) error {
		mutex.Lock()
		delays = append(delays, d)
		mutex.Unlock()
		return nil
	}

	require.NoError(t, cm.Connect(context.Background()))

	expected := []time.Duration{
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
	}
	for i := range expected {
		before := registerCount(transport)
		transport.Fire(Event{Kind: EventRegistrationFailed, StatusCode: 503, Cause: "Service Unavailable"})
		assert.Equal(t, i+1, cm.RetryCount())
		// Ждем выполнения запланированного повтора
		require.Eventually(t, func() bool {
			return registerCount(transport) > before
		}, time.Second, time.Millisecond)
	}

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, expected, delays)
}

func TestNoRetryOnInternalError(t *testing.T) {
	cm, transport, alert, _, _ := newTestConnection(t, nil)

	var mutex sync.Mutex
	var delays []time.Duration
	cm.sleep = func(ctx context.Context, d time.Duration) error {
		mutex.Lock()
		delays = append(delays, d)
		mutex.Unlock()
		return nil
	}

	require.NoError(t, cm.Connect(context.Background()))
	transport.Fire(Event{Kind: EventRegistrationFailed, StatusCode: 500})

	assert.Equal(t, ConnectionConnectFailed, cm.Status())
	assert.Equal(t, 1, cm.RetryCount())
	assert.Contains(t, alert.dangerCodes(), CodeInternalError)

	// Повтор не планируется
	time.Sleep(20 * time.Millisecond)
	mutex.Lock()
	defer mutex.Unlock()
	assert.Empty(t, delays)
	assert.Equal(t, 1, registerCount(transport))
}

func TestRetryOnTimeoutCause(t *testing.T) {
	cm, transport, _, _, _ := newTestConnection(t, nil)

	var mutex sync.Mutex
	var delays []time.Duration
	cm.sleep = func(ctx context.Context, d time.Duration) error {
		mutex.Lock()
		delays = append(delays, d)
		mutex.Unlock()
		return nil
	}

	require.NoError(t, cm.Connect(context.Background()))
	// Код неизвестен, но причина требует переподключения
	transport.Fire(Event{Kind: EventRegistrationFailed, StatusCode: 0, Cause: "Request Timeout"})

	require.Eventually(t, func() bool {
		return registerCount(transport) > 1
	}, time.Second, time.Millisecond)
}

func TestInactiveTabDefersRetry(t *testing.T) {
	cm, transport, _, _, _ := newTestConnection(t, func(c *ConnectionConfig) {
		c.Tabs = &mockTabs{active: false}
		c.FirstRetryDelay = 99 * time.Second
	})

	var mutex sync.Mutex
	var delays []time.Duration
	cm.sleep = func(ctx context.Context, d time.Duration) error {
		mutex.Lock()
		delays = append(delays, d)
		mutex.Unlock()
		return nil
	}

	require.NoError(t, cm.Connect(context.Background()))
	transport.Fire(Event{Kind: EventRegistrationFailed, StatusCode: 403})

	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(delays) == 1
	}, time.Second, time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 10*time.Second, delays[0])
}

type stubTerminator struct {
	mutex sync.Mutex
	calls int
}

func (s *stubTerminator) HangupAll(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls++
	return nil
}

func TestDisconnect(t *testing.T) {
	terminator := &stubTerminator{}
	cm, transport, _, _, _ := newTestConnection(t, func(c *ConnectionConfig) {
		c.Sessions = terminator
	})

	require.NoError(t, cm.Connect(context.Background()))
	transport.Fire(Event{Kind: EventRegistered})
	require.Equal(t, ConnectionConnected, cm.Status())

	require.NoError(t, cm.Disconnect(context.Background()))
	assert.Equal(t, ConnectionDisconnected, cm.Status())
	assert.Equal(t, 1, terminator.calls)
	assert.Contains(t, transport.callNames(), "unregister:")
	assert.Contains(t, transport.callNames(), "close:")
}

func TestDisconnectCancelsRetry(t *testing.T) {
	cm, transport, _, _, _ := newTestConnection(t, nil)

	// Ожидание повтора блокируется до отмены контекста
	cm.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	require.NoError(t, cm.Connect(context.Background()))
	transport.Fire(Event{Kind: EventRegistrationFailed, StatusCode: 403})
	require.Equal(t, ConnectionConnectFailed, cm.Status())

	require.NoError(t, cm.Disconnect(context.Background()))
	assert.Equal(t, ConnectionDisconnected, cm.Status())

	// Запланированный повтор не выполняется
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, registerCount(transport))
}

func TestRegisteredResetsRetryCount(t *testing.T) {
	cm, transport, _, _, _ := newTestConnection(t, nil)
	cm.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	require.NoError(t, cm.Connect(context.Background()))
	transport.Fire(Event{Kind: EventRegistrationFailed, StatusCode: 503})
	require.Eventually(t, func() bool {
		return registerCount(transport) > 1
	}, time.Second, time.Millisecond)

	transport.Fire(Event{Kind: EventRegistered})
	assert.Equal(t, 0, cm.RetryCount())
	assert.Equal(t, ConnectionConnected, cm.Status())
}
