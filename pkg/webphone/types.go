package webphone

// ConnectionStatus представляет состояние подключения endpoint'а
// к сигнальному серверу.
type ConnectionStatus string

const (
	ConnectionDisconnected  ConnectionStatus = "disconnected"
	ConnectionConnecting    ConnectionStatus = "connecting"
	ConnectionConnected     ConnectionStatus = "connected"
	ConnectionConnectFailed ConnectionStatus = "connectFailed"
	ConnectionDisconnecting ConnectionStatus = "disconnecting"
)

func (s ConnectionStatus) String() string { return string(s) }

// Direction направление вызова
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) String() string { return string(d) }

// SessionStatus представляет состояние сессии вызова.
// Флаги mute/hold/transfer существуют независимо от статуса и используются
// для отображения, статус отражает последнее событие жизненного цикла.
type SessionStatus string

const (
	SessionConnecting SessionStatus = "connecting"
	SessionConnected  SessionStatus = "connected"
	SessionOnHold     SessionStatus = "onHold"
	SessionOnMute     SessionStatus = "onMute"
	SessionFinished   SessionStatus = "finished"
	SessionReplaced   SessionStatus = "replaced"
)

func (s SessionStatus) String() string { return string(s) }

// RecordStatus состояние записи разговора
type RecordStatus string

const (
	RecordIdle      RecordStatus = "idle"
	RecordPending   RecordStatus = "pending"
	RecordRecording RecordStatus = "recording"
	RecordNoAccess  RecordStatus = "noAccess"
)

func (s RecordStatus) String() string { return string(s) }

// ControlStatus состояние проигрывания extended control последовательности
type ControlStatus string

const (
	ControlPending ControlStatus = "pending"
	ControlPlaying ControlStatus = "playing"
	ControlStopped ControlStatus = "stopped"
)

func (s ControlStatus) String() string { return string(s) }
