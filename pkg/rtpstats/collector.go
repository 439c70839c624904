// Package rtpstats собирает метрики качества входящего RTP потока.
//
// Коллектор слушает локальный UDP (или DTLS) порт, разбирает RTP пакеты
// и считает джиттер по RFC 3550, долю потерь по пропускам sequence
// numbers и уровень аудио по энергии PCMU/PCMA полезной нагрузки.
// Снимок метрик отдается через Snapshot.
package rtpstats

import (
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// rtpClockRate частота RTP часов телефонных кодеков
const rtpClockRate = 8000

// Logger минимальный интерфейс логирования коллектора.
// Совместим с phone.Logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}

// Config конфигурация коллектора
type Config struct {
	// LocalAddr локальный адрес RTP, по умолчанию "0.0.0.0:0"
	LocalAddr string
	// DTLS конфигурация защищенного транспорта; nil — обычный UDP
	DTLS *DTLSConfig
	// Logger логгер, nil допустим
	Logger Logger
}

// Stats снимок метрик качества потока.
//
// RTT требует RTCP отчетов, которые пока не обрабатываются, поэтому
// поле всегда нулевое; вызывающий волен замещать его своей оценкой.
type Stats struct {
	RTT        time.Duration
	Jitter     time.Duration
	PacketLoss float64
	AudioLevel float64
	Packets    uint64
	Lost       uint64
}

// Collector приемник RTP потока со счетчиками качества
type Collector struct {
	conn   net.PacketConn
	dtls   *dtlsListener
	logger Logger

	mu      sync.Mutex
	remote  *net.UDPAddr
	running bool
	closed  bool
	muted   bool

	// Состояние приемника по RFC 3550 приложению A
	initialized bool
	baseSeq     uint32
	maxSeq      uint16
	cycles      uint32
	received    uint64
	lastTransit int64
	jitter      float64
	audioLevel  float64
}

// NewCollector открывает локальный порт для приема RTP.
// Сбор начинается после Start.
func NewCollector(cfg Config) (*Collector, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	addr := cfg.LocalAddr
	if addr == "" {
		addr = "0.0.0.0:0"
	}

	c := &Collector{logger: logger}

	if cfg.DTLS != nil {
		listener, err := listenDTLS(addr, cfg.DTLS)
		if err != nil {
			return nil, err
		}
		c.dtls = listener
		return c, nil
	}

	conn, err := listenPacket(addr)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// LocalPort возвращает локальный порт приема RTP
func (c *Collector) LocalPort() int {
	if c.dtls != nil {
		return c.dtls.port()
	}
	if addr, ok := c.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Start запускает чтение потока. Пакеты не с адреса remote отбрасываются;
// nil remote принимает пакеты с любого адреса.
func (c *Collector) Start(remote *net.UDPAddr) {
	c.mu.Lock()
	if c.running || c.closed {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.remote = remote
	c.mu.Unlock()

	if c.dtls != nil {
		go c.dtls.serve(c)
		return
	}
	go c.readLoop()
}

// Running возвращает true после Start и до Close
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && !c.closed
}

// SetMuted отмечает локальный микрофон заглушенным. Затрагивает только
// отчетный уровень аудио, прием потока продолжается.
func (c *Collector) SetMuted(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = on
}

// Close останавливает чтение и освобождает порт
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.running = false
	c.mu.Unlock()

	if c.dtls != nil {
		c.dtls.close()
		return
	}
	_ = c.conn.Close()
}

// Snapshot возвращает текущий снимок метрик
func (c *Collector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Jitter:  time.Duration(c.jitter / rtpClockRate * float64(time.Second)),
		Packets: c.received,
	}

	if c.initialized {
		extended := uint64(c.cycles)<<16 | uint64(c.maxSeq)
		expected := extended - uint64(c.baseSeq) + 1
		if expected > c.received {
			stats.Lost = expected - c.received
			stats.PacketLoss = float64(stats.Lost) / float64(expected)
		}
	}
	if !c.muted {
		stats.AudioLevel = c.audioLevel
	}
	return stats
}

// readLoop читает пакеты с UDP сокета
func (c *Collector) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Warnf("rtpstats: ошибка чтения: %v", err)
			}
			return
		}
		if udpAddr, ok := addr.(*net.UDPAddr); ok && !c.allowedSource(udpAddr) {
			continue
		}
		c.processPacket(buf[:n], time.Now())
	}
}

// allowedSource проверяет адрес отправителя против ожидаемого remote
func (c *Collector) allowedSource(addr *net.UDPAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return true
	}
	return c.remote.IP.Equal(addr.IP) && c.remote.Port == addr.Port
}

// processPacket обновляет счетчики по одному RTP пакету
func (c *Collector) processPacket(raw []byte, arrival time.Time) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		c.logger.Debugf("rtpstats: не RTP пакет (%d байт): %v", len(raw), err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := pkt.SequenceNumber
	if !c.initialized {
		c.initialized = true
		c.baseSeq = uint32(seq)
		c.maxSeq = seq
	} else {
		// Переполнение 16-битного счетчика
		if seq < c.maxSeq && c.maxSeq-seq > 0x8000 {
			c.cycles++
			c.maxSeq = seq
		} else if seq > c.maxSeq {
			c.maxSeq = seq
		}
	}
	c.received++

	// Межпакетный джиттер по RFC 3550: сглаженная разница транзитных времен
	arrivalTS := arrival.UnixNano() * rtpClockRate / int64(time.Second)
	transit := arrivalTS - int64(pkt.Timestamp)
	if c.received > 1 {
		d := math.Abs(float64(transit - c.lastTransit))
		c.jitter += (d - c.jitter) / 16
	}
	c.lastTransit = transit

	if level, ok := payloadAudioLevel(pkt.PayloadType, pkt.Payload); ok {
		// Экспоненциальное сглаживание уровня
		c.audioLevel += (level - c.audioLevel) / 8
	}
}

// payloadAudioLevel оценивает уровень аудио 0..1 по G.711 нагрузке
func payloadAudioLevel(payloadType uint8, payload []byte) (float64, bool) {
	if len(payload) == 0 {
		return 0, false
	}

	var decode func(byte) int16
	switch payloadType {
	case 0:
		decode = mulawToLinear
	case 8:
		decode = alawToLinear
	default:
		return 0, false
	}

	var sum float64
	for _, b := range payload {
		sample := float64(decode(b))
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(len(payload)))
	level := rms / 32768
	if level > 1 {
		level = 1
	}
	return level, true
}

// mulawToLinear декодирует G.711 µ-law выборку
func mulawToLinear(b byte) int16 {
	b = ^b
	sign := int16(b & 0x80)
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int16(mantissa)<<3 + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return -sample
	}
	return sample
}

// alawToLinear декодирует G.711 A-law выборку
func alawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int16(b & 0x0F)

	var sample int16
	if exponent == 0 {
		sample = mantissa<<4 + 8
	} else {
		sample = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if sign != 0 {
		return -sample
	}
	return sample
}
