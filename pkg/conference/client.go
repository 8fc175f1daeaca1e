package conference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client операции телефонного API над конференциями
type Client interface {
	// CreateConference создает пустую конференцию и возвращает ее
	// идентификатор и токен конференц-моста
	CreateConference(ctx context.Context) (*Conference, error)
	// BringInParty добавляет участника существующего звонка в конференцию
	BringInParty(ctx context.Context, conferenceID string, descriptor SessionDescriptor) (*Party, error)
	// RemoveParty удаляет участника из конференции
	RemoveParty(ctx context.Context, conferenceID, partyID string) error
	// ConferenceStatus возвращает текущее состояние конференции
	ConferenceStatus(ctx context.Context, conferenceID string) (*Conference, error)
	// TerminateConference завершает конференцию для всех участников
	TerminateConference(ctx context.Context, conferenceID string) error
}

// SessionDescriptor идентифицирует звонок на стороне сервера для
// добавления в конференцию
type SessionDescriptor struct {
	PartyID   string `json:"party-id"`
	SessionID string `json:"session-id"`
}

// APIError ошибка телефонного API с сохранением исходного тела ответа
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("телефонный API вернул статус %d: %s", e.StatusCode, e.Body)
}

// TokenSource источник токена доступа для запросов к API
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// HTTPClient реализация Client поверх REST API телефонии
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewHTTPClient создает клиент API. httpClient == nil использует клиент
// с таймаутом 10 секунд.
func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL: baseURL,
		tokens:  tokens,
		client:  httpClient,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("сериализация тела запроса: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("получение токена доступа: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("запрос %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("чтение ответа: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(payload)}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("разбор ответа: %w", err)
		}
	}
	return nil
}

// Форматы ответов телефонного API
type wirePartyStatus struct {
	Code string `json:"code"`
}

type wireCaller struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber"`
}

type wireParty struct {
	ID     string          `json:"id"`
	Status wirePartyStatus `json:"status"`
	From   wireCaller      `json:"from"`
}

func (w wireParty) toParty() Party {
	return Party{
		ID:          w.ID,
		Status:      PartyStatusCode(w.Status.Code),
		DisplayName: w.From.Name,
		PhoneNumber: w.From.PhoneNumber,
	}
}

type wireSession struct {
	ID             string      `json:"id"`
	VoiceCallToken string      `json:"voiceCallToken"`
	Parties        []wireParty `json:"parties"`
}

type wireCreateResponse struct {
	Session wireSession `json:"session"`
}

func (c *HTTPClient) CreateConference(ctx context.Context) (*Conference, error) {
	var response wireCreateResponse
	if err := c.do(ctx, http.MethodPost, "/restapi/v1.0/account/~/telephony/conference", struct{}{}, &response); err != nil {
		return nil, err
	}
	return &Conference{
		ID:             response.Session.ID,
		VoiceCallToken: response.Session.VoiceCallToken,
	}, nil
}

func (c *HTTPClient) BringInParty(ctx context.Context, conferenceID string, descriptor SessionDescriptor) (*Party, error) {
	path := fmt.Sprintf("/restapi/v1.0/account/~/telephony/sessions/%s/parties/bring-in",
		url.PathEscape(conferenceID))
	var response wireParty
	if err := c.do(ctx, http.MethodPost, path, descriptor, &response); err != nil {
		return nil, err
	}
	party := response.toParty()
	return &party, nil
}

func (c *HTTPClient) RemoveParty(ctx context.Context, conferenceID, partyID string) error {
	path := fmt.Sprintf("/restapi/v1.0/account/~/telephony/sessions/%s/parties/%s",
		url.PathEscape(conferenceID), url.PathEscape(partyID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) ConferenceStatus(ctx context.Context, conferenceID string) (*Conference, error) {
	path := fmt.Sprintf("/restapi/v1.0/account/~/telephony/sessions/%s",
		url.PathEscape(conferenceID))
	var response wireSession
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	conference := &Conference{
		ID:             response.ID,
		VoiceCallToken: response.VoiceCallToken,
	}
	for _, party := range response.Parties {
		conference.Parties = append(conference.Parties, party.toParty())
	}
	return conference, nil
}

func (c *HTTPClient) TerminateConference(ctx context.Context, conferenceID string) error {
	path := fmt.Sprintf("/restapi/v1.0/account/~/telephony/sessions/%s",
		url.PathEscape(conferenceID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
