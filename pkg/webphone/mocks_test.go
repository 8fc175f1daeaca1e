package webphone

import (
	"context"
	"fmt"
	"sync"
)

// mockTransport тестовый транспорт: записывает вызовы команд и позволяет
// сценарно задавать ошибки и генерировать события
type mockTransport struct {
	mutex    sync.Mutex
	handlers []EventHandler

	// calls список вызванных команд в формате "имя:callID"
	calls []string
	// errs ошибки по имени команды
	errs map[string]error
	// nextCallID идентификатор, возвращаемый Invite
	nextCallID string
	inviteSeq  int
}

func newMockTransport() *mockTransport {
	return &mockTransport{errs: make(map[string]error)}
}

func (t *mockTransport) record(name, callID string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.calls = append(t.calls, name+":"+callID)
	return t.errs[name]
}

func (t *mockTransport) callNames() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]string{}, t.calls...)
}

func (t *mockTransport) setError(name string, err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.errs[name] = err
}

// Fire доставляет событие всем подписчикам синхронно
func (t *mockTransport) Fire(event Event) {
	t.mutex.Lock()
	handlers := append([]EventHandler{}, t.handlers...)
	t.mutex.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

func (t *mockTransport) OnEvent(handler EventHandler) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers = append(t.handlers, handler)
}

func (t *mockTransport) Register(ctx context.Context) error   { return t.record("register", "") }
func (t *mockTransport) Unregister(ctx context.Context) error { return t.record("unregister", "") }
func (t *mockTransport) Close() error                         { return t.record("close", "") }

func (t *mockTransport) Invite(ctx context.Context, req InviteRequest) (string, error) {
	t.mutex.Lock()
	t.inviteSeq++
	callID := t.nextCallID
	if callID == "" {
		callID = fmt.Sprintf("out-%d", t.inviteSeq)
	}
	t.calls = append(t.calls, "invite:"+req.To)
	err := t.errs["invite"]
	t.mutex.Unlock()
	if err != nil {
		return "", err
	}
	return callID, nil
}

func (t *mockTransport) Accept(ctx context.Context, callID string) error {
	return t.record("accept", callID)
}
func (t *mockTransport) Reject(ctx context.Context, callID string) error {
	return t.record("reject", callID)
}
func (t *mockTransport) Hold(ctx context.Context, callID string) error {
	return t.record("hold", callID)
}
func (t *mockTransport) Unhold(ctx context.Context, callID string) error {
	return t.record("unhold", callID)
}
func (t *mockTransport) Mute(ctx context.Context, callID string) error {
	return t.record("mute", callID)
}
func (t *mockTransport) Unmute(ctx context.Context, callID string) error {
	return t.record("unmute", callID)
}
func (t *mockTransport) Transfer(ctx context.Context, callID, to string) error {
	return t.record("transfer", callID)
}
func (t *mockTransport) WarmTransfer(ctx context.Context, callID, consultCallID string) error {
	return t.record("warmTransfer", callID)
}
func (t *mockTransport) Park(ctx context.Context, callID string) error {
	return t.record("park", callID)
}
func (t *mockTransport) Flip(ctx context.Context, callID, to string) error {
	return t.record("flip", callID)
}
func (t *mockTransport) SendDTMF(ctx context.Context, callID, digits string) error {
	return t.record("dtmf:"+digits, callID)
}
func (t *mockTransport) Terminate(ctx context.Context, callID string) error {
	return t.record("terminate", callID)
}
func (t *mockTransport) ToVoicemail(ctx context.Context, callID string) error {
	return t.record("toVoicemail", callID)
}
func (t *mockTransport) ReplyWithMessage(ctx context.Context, callID string, reply ReplyOptions) error {
	return t.record("reply", callID)
}
func (t *mockTransport) StartRecord(ctx context.Context, callID string) error {
	return t.record("startRecord", callID)
}
func (t *mockTransport) StopRecord(ctx context.Context, callID string) error {
	return t.record("stopRecord", callID)
}

// mockAlert записывает уведомления по уровням
type mockAlert struct {
	mutex    sync.Mutex
	infos    []Code
	warnings []Code
	dangers  []Code
}

func (a *mockAlert) Info(code Code, payload map[string]any) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.infos = append(a.infos, code)
}

func (a *mockAlert) Warning(code Code, payload map[string]any) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.warnings = append(a.warnings, code)
}

func (a *mockAlert) Danger(code Code, payload map[string]any) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.dangers = append(a.dangers, code)
}

func (a *mockAlert) dangerCodes() []Code {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]Code{}, a.dangers...)
}

func (a *mockAlert) infoCodes() []Code {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]Code{}, a.infos...)
}

func (a *mockAlert) warningCodes() []Code {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]Code{}, a.warnings...)
}

type mockAuth struct {
	loggedIn bool
}

func (a *mockAuth) LoggedIn() bool { return a.loggedIn }

type mockPermissions struct {
	mutex     sync.Mutex
	enabled   bool
	refreshed int
}

func (p *mockPermissions) WebphoneEnabled() bool { return p.enabled }

func (p *mockPermissions) RefreshServiceFeatures() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.refreshed++
}

func (p *mockPermissions) refreshCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.refreshed
}

type mockProvisioner struct {
	lines        []PhoneLine
	linesErr     error
	provisionErr error
}

func (p *mockProvisioner) PhoneLines(ctx context.Context) ([]PhoneLine, error) {
	return p.lines, p.linesErr
}

func (p *mockProvisioner) Provision(ctx context.Context) error {
	return p.provisionErr
}

// mockValidator принимает все номера, кроме перечисленных в invalid
type mockValidator struct {
	invalid map[string]Code
	err     error
}

func (v *mockValidator) ValidateNumbers(ctx context.Context, numbers []string) (*ValidationResult, error) {
	if v.err != nil {
		return nil, v.err
	}
	result := &ValidationResult{Valid: true}
	for _, number := range numbers {
		if reason, bad := v.invalid[number]; bad {
			result.Valid = false
			result.Errors = append(result.Errors, NumberError{PhoneNumber: number, Reason: reason})
			continue
		}
		result.Numbers = append(result.Numbers, ValidatedNumber{Original: number, E164: number})
	}
	return result, nil
}

type mockAudio struct {
	mutex   sync.Mutex
	playing int
	stopped int
}

func (a *mockAudio) PlayIncoming() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.playing++
}

func (a *mockAudio) StopIncoming() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.stopped++
}

type mockTabs struct {
	active bool
}

func (t *mockTabs) Active() bool { return t.active }

type stubMatcher struct {
	triggers int
}

func (m *stubMatcher) TriggerMatch() { m.triggers++ }
