// Package conference реализует координатор телефонных конференций:
// создание конференции через REST API, добавление участников из активных
// звонков и периодический опрос состояния.
package conference

import (
	"strings"

	"github.com/arzzra/webphone/pkg/webphone"
)

// PartyStatusCode состояние участника конференции на стороне сервера
type PartyStatusCode string

const (
	PartyStatusSetup        PartyStatusCode = "Setup"
	PartyStatusProceeding   PartyStatusCode = "Proceeding"
	PartyStatusAnswered     PartyStatusCode = "Answered"
	PartyStatusDisconnected PartyStatusCode = "Disconnected"
	PartyStatusGone         PartyStatusCode = "Gone"
)

// Party участник конференции
type Party struct {
	ID          string
	Status      PartyStatusCode
	DisplayName string
	PhoneNumber string
}

// Online сообщает, что участник присутствует в конференции. Сервер
// возвращает статус в произвольном регистре, отсутствующим считается
// только Disconnected.
func (p Party) Online() bool {
	return !strings.EqualFold(string(p.Status), string(PartyStatusDisconnected))
}

// Conference снимок состояния конференции. SessionID указывает на
// локальную сессию webphone, через которую ведется разговор с
// конференц-мостом.
type Conference struct {
	ID             string
	VoiceCallToken string
	SessionID      string
	Parties        []Party
}

// OnlineParties возвращает присутствующих участников
func (c *Conference) OnlineParties() []Party {
	var result []Party
	for _, party := range c.Parties {
		if party.Online() {
			result = append(result, party)
		}
	}
	return result
}

// clone возвращает независимую копию снимка
func (c *Conference) clone() *Conference {
	copied := *c
	copied.Parties = append([]Party{}, c.Parties...)
	return &copied
}

// Коды уведомлений координатора конференций
const (
	CodeMakeConferenceFailed webphone.Code = "makeConferenceFailed"
	CodeMergeFailed          webphone.Code = "mergeFailed"
	CodeBringInFailed        webphone.Code = "bringInFailed"
	CodeRemovePartyFailed    webphone.Code = "removePartyFailed"
	CodeTerminateFailed      webphone.Code = "terminateConferenceFailed"
	CodeCapacityReached      webphone.Code = "conferenceCapacityReached"
	CodeNoConferencePerm     webphone.Code = "noConferencePermission"
)
