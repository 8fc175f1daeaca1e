// Package dtmf реализует работу с DTMF сигналами для слоя управления вызовами.
//
// Пакет решает две задачи:
//   - разбор extended control последовательностей (цифры и паузы, которые
//     автоматически проигрываются после соединения вызова);
//   - кодирование/декодирование DTMF событий в формате RFC 4733 для
//     транспортов с RTP медиа-каналом.
package dtmf

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// Digit представляет DTMF цифру согласно RFC 4733
type Digit uint8

const (
	Digit0     Digit = 0
	Digit1     Digit = 1
	Digit2     Digit = 2
	Digit3     Digit = 3
	Digit4     Digit = 4
	Digit5     Digit = 5
	Digit6     Digit = 6
	Digit7     Digit = 7
	Digit8     Digit = 8
	Digit9     Digit = 9
	DigitStar  Digit = 10 // *
	DigitPound Digit = 11 // #
	DigitA     Digit = 12
	DigitB     Digit = 13
	DigitC     Digit = 14
	DigitD     Digit = 15
)

var digitRunes = [16]rune{
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#', 'A', 'B', 'C', 'D',
}

func (d Digit) String() string {
	if d <= DigitD {
		return string(digitRunes[d])
	}
	return "?"
}

// Константы DTMF сигнализации
const (
	// PauseDuration пауза между сигналами для символа ',' в последовательности
	PauseDuration = 2 * time.Second

	// DefaultToneDuration стандартная длительность нажатия
	DefaultToneDuration = 100 * time.Millisecond

	// PayloadTypeRFC стандартный payload type для telephone-event (RFC 4733)
	PayloadTypeRFC = 101

	// sampleRate частота дискретизации telephone-event (8 kHz)
	sampleRate = 8000
)

// ParseDigit преобразует символ в DTMF цифру
func ParseDigit(r rune) (Digit, error) {
	switch r {
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return Digit(r - '0'), nil
	case '*':
		return DigitStar, nil
	case '#':
		return DigitPound, nil
	case 'A', 'a':
		return DigitA, nil
	case 'B', 'b':
		return DigitB, nil
	case 'C', 'c':
		return DigitC, nil
	case 'D', 'd':
		return DigitD, nil
	default:
		return 0, fmt.Errorf("недопустимый DTMF символ: %c", r)
	}
}

// Token — элемент extended control последовательности: цифра или пауза
type Token struct {
	Digit Digit
	Pause bool
}

// String возвращает символьное представление токена
func (t Token) String() string {
	if t.Pause {
		return ","
	}
	return t.Digit.String()
}

// ParseSequence разбирает extended control строку в последовательность токенов.
// Символ ',' означает паузу длительностью PauseDuration, остальные символы
// должны быть валидными DTMF цифрами. Пустая строка даёт пустую
// последовательность.
func ParseSequence(s string) ([]Token, error) {
	var tokens []Token
	for _, r := range s {
		if r == ',' {
			tokens = append(tokens, Token{Pause: true})
			continue
		}
		digit, err := ParseDigit(r)
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора последовательности %q: %w", s, err)
		}
		tokens = append(tokens, Token{Digit: digit})
	}
	return tokens, nil
}

// Event представляет одно DTMF событие
type Event struct {
	Digit     Digit         // DTMF цифра
	Duration  time.Duration // Длительность нажатия
	Volume    int8          // Уровень громкости (от 0 до -63 dBm)
	Timestamp uint32        // RTP timestamp события
}

// Payload структура DTMF payload согласно RFC 4733
type Payload struct {
	Event    uint8  // DTMF digit (0-15)
	End      bool   // End of event flag
	Volume   uint8  // Volume level (0-63, представляет -dBm)
	Duration uint16 // Duration in timestamp units
}

// Marshal сериализует payload в 4 байта согласно RFC 4733
func (p Payload) Marshal() []byte {
	data := make([]byte, 4)
	data[0] = p.Event & 0x0F
	if p.End {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// UnmarshalPayload десериализует DTMF payload согласно RFC 4733
func UnmarshalPayload(data []byte) (Payload, error) {
	if len(data) < 4 {
		return Payload{}, fmt.Errorf("некорректный размер DTMF payload: %d", len(data))
	}
	return Payload{
		Event:    data[0] & 0x0F,
		End:      (data[1] & 0x80) != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// Sender формирует RTP пакеты для DTMF событий.
// Каждый пакет (начальный и конечный) повторяется трижды для надежности
// доставки по ненадежному транспорту.
type Sender struct {
	payloadType uint8
	ssrc        uint32
	seqNum      uint16
}

// NewSender создает новый DTMF sender с указанным payload type
func NewSender(payloadType uint8) *Sender {
	return &Sender{payloadType: payloadType}
}

// SetSSRC устанавливает SSRC для DTMF пакетов
func (s *Sender) SetSSRC(ssrc uint32) {
	s.ssrc = ssrc
}

// Packets генерирует RTP пакеты для DTMF события
func (s *Sender) Packets(event Event) ([]*rtp.Packet, error) {
	if event.Duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}

	// Конвертируем duration в timestamp units (8000 Hz)
	durationInSamples := uint16(event.Duration.Seconds() * sampleRate)

	// Конвертируем volume из -dBm в 0-63
	volume := uint8(0)
	if event.Volume < 0 {
		volume = uint8(-event.Volume)
		if volume > 63 {
			volume = 63
		}
	}

	payload := Payload{
		Event:    uint8(event.Digit),
		Volume:   volume,
		Duration: durationInSamples,
	}

	var packets []*rtp.Packet
	packets = append(packets, s.burst(payload.Marshal(), event.Timestamp, true)...)
	payload.End = true
	packets = append(packets, s.burst(payload.Marshal(), event.Timestamp, false)...)
	return packets, nil
}

// burst формирует тройку одинаковых пакетов с монотонным sequence number
func (s *Sender) burst(payload []byte, timestamp uint32, markFirst bool) []*rtp.Packet {
	packets := make([]*rtp.Packet, 0, 3)
	for i := 0; i < 3; i++ {
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         markFirst && i == 0,
				PayloadType:    s.payloadType,
				SequenceNumber: s.seqNum,
				Timestamp:      timestamp,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		})
		s.seqNum++
	}
	return packets
}
