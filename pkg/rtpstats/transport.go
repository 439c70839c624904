package rtpstats

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
)

// listenPacket открывает UDP сокет приема RTP с SO_REUSEADDR: при быстрой
// смене вызовов порт может оставаться в состоянии занятости
func listenPacket(addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия RTP порта %s: %w", addr, err)
	}
	return conn, nil
}

// DTLSConfig конфигурация защищенного приема RTP
type DTLSConfig struct {
	// Certificates сертификаты сервера DTLS
	Certificates []tls.Certificate
	// InsecureSkipVerify отключает проверку клиентского сертификата
	InsecureSkipVerify bool
}

// dtlsListener принимает DTLS соединения и читает из них пакеты
type dtlsListener struct {
	listener net.Listener
}

func listenDTLS(addr string, cfg *DTLSConfig) (*dtlsListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес DTLS %s: %w", addr, err)
	}

	listener, err := dtls.Listen("udp", udpAddr, &dtls.Config{
		Certificates:         cfg.Certificates,
		InsecureSkipVerify:   cfg.InsecureSkipVerify,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия DTLS порта %s: %w", addr, err)
	}
	return &dtlsListener{listener: listener}, nil
}

func (l *dtlsListener) port() int {
	if addr, ok := l.listener.Addr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// serve принимает соединения и направляет пакеты в коллектор
func (l *dtlsListener) serve(c *Collector) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Warnf("rtpstats: ошибка приема DTLS: %v", err)
			}
			return
		}
		go l.readConn(c, conn)
	}
}

func (l *dtlsListener) readConn(c *Collector, conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		c.processPacket(buf[:n], time.Now())
	}
}

func (l *dtlsListener) close() {
	_ = l.listener.Close()
}
