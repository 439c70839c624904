package sipengine

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// Направления медиа потока в SDP
const (
	mediaSendRecv = "sendrecv"
	mediaSendOnly = "sendonly"
)

// codecInfo описание аудио кодека для rtpmap
type codecInfo struct {
	payloadType int
	name        string
	clockRate   int
}

// knownCodecs стандартные телефонные кодеки по именам из конфигурации
var knownCodecs = map[string]codecInfo{
	"pcmu":            {payloadType: 0, name: "PCMU", clockRate: 8000},
	"pcma":            {payloadType: 8, name: "PCMA", clockRate: 8000},
	"g722":            {payloadType: 9, name: "G722", clockRate: 8000},
	"g729":            {payloadType: 18, name: "G729", clockRate: 8000},
	"telephone-event": {payloadType: 101, name: "telephone-event", clockRate: 8000},
}

// buildOffer строит SDP описание единственного аудио потока.
// Неизвестные кодеки из конфигурации пропускаются; пустой итоговый
// список кодеков — ошибка.
func buildOffer(host string, port int, codecs []string, direction string) ([]byte, error) {
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
		Attributes: []sdp.Attribute{
			{Key: direction},
		},
	}

	for _, name := range codecs {
		codec, ok := knownCodecs[strings.ToLower(name)]
		if !ok {
			continue
		}
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(codec.payloadType))
		media.Attributes = append(media.Attributes, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", codec.payloadType, codec.name, codec.clockRate),
		})
		if codec.name == "telephone-event" {
			media.Attributes = append(media.Attributes, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d 0-16", codec.payloadType),
			})
		}
	}
	if len(media.MediaName.Formats) == 0 {
		return nil, fmt.Errorf("ни один из кодеков %v не поддерживается", codecs)
	}

	now := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}

	return desc.Marshal()
}

// parseRemoteMedia извлекает адрес аудио потока удаленной стороны из SDP.
// Connection data медиа уровня имеет приоритет над сессионным.
func parseRemoteMedia(raw []byte) (*net.UDPAddr, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("пустое SDP описание")
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}

	var host string
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		host = desc.ConnectionInformation.Address.Address
	}

	var port int
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			host = media.ConnectionInformation.Address.Address
		}
		port = media.MediaName.Port.Value
		break
	}

	if host == "" {
		return nil, fmt.Errorf("в SDP нет адреса подключения")
	}
	if port == 0 {
		return nil, fmt.Errorf("в SDP нет порта аудио потока")
	}

	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
}
