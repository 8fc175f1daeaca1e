package sipsignal

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// baseSDP формирует исходное описание аудиосессии: PCMU и
// telephone-event для DTMF
func baseSDP(user, address string) []byte {
	session := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       user,
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: address,
		},
		SessionName: "call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 20000},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "101"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-15"},
					{Key: "sendrecv"},
				},
			},
		},
	}
	raw, err := session.Marshal()
	if err != nil {
		// Статическое описание всегда сериализуемо
		panic(fmt.Sprintf("сериализация SDP: %v", err))
	}
	return raw
}

// directionAttributes атрибуты направления медиапотока
var directionAttributes = map[string]bool{
	"sendrecv": true,
	"sendonly": true,
	"recvonly": true,
	"inactive": true,
}

// holdSDP переписывает направление всех медиапотоков: sendonly для
// удержания, sendrecv для возобновления. Остальные атрибуты сохраняются.
func holdSDP(raw []byte, hold bool) ([]byte, error) {
	var session sdp.SessionDescription
	if err := session.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("разбор SDP: %w", err)
	}

	direction := "sendrecv"
	if hold {
		direction = "sendonly"
	}

	for _, media := range session.MediaDescriptions {
		filtered := media.Attributes[:0]
		for _, attribute := range media.Attributes {
			if directionAttributes[attribute.Key] {
				continue
			}
			filtered = append(filtered, attribute)
		}
		media.Attributes = append(filtered, sdp.Attribute{Key: direction})
	}

	return session.Marshal()
}
