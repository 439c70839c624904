// Команда softphone запускает телефонную систему из конфигурации
// и печатает события в журнал.
//
// Примеры:
//
//	softphone -config phone.yaml
//	softphone -uri sip:alice@pbx.example.com -user alice -pass secret -dial 100
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/phone_system/pkg/phone"
	"github.com/arzzra/phone_system/pkg/sipengine"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Путь к YAML конфигурации")
		uri         = flag.String("uri", "", "SIP URI (sip:user@domain)")
		username    = flag.String("user", "", "Имя пользователя")
		password    = flag.String("pass", "", "Пароль")
		registrar   = flag.String("registrar", "", "Адрес регистратора (по умолчанию домен URI)")
		listenAddr  = flag.String("listen", "0.0.0.0:5060", "Локальный адрес SIP транспорта")
		transport   = flag.String("transport", "udp", "Транспорт: udp, tcp, tls, ws")
		dial        = flag.String("dial", "", "Номер для исходящего вызова после регистрации")
		autoAnswer  = flag.Bool("auto-answer", false, "Автоматически отвечать на входящие")
		metricsAddr = flag.String("metrics", "", "Адрес HTTP сервера метрик (например :9091)")
		debug       = flag.Bool("debug", false, "Подробное логирование")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	applyFlags(cfg, *uri, *username, *password, *registrar, *listenAddr, *transport, *autoAnswer, *debug)

	logger := phone.NewLogger(os.Stderr, logLevel(*debug))
	cfg.Logger = logger

	registry := prometheus.NewRegistry()
	cfg.Registerer = registry
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, registry)
	}

	engine := sipengine.New(logger)
	ps, err := phone.NewPhoneSystem(cfg, engine)
	if err != nil {
		log.Fatalf("Ошибка создания телефонной системы: %v", err)
	}

	subscribeEvents(ps)

	ctx := context.Background()
	if err := ps.Initialize(ctx); err != nil {
		log.Fatalf("Ошибка инициализации: %v", err)
	}
	defer ps.Destroy(ctx)

	if *dial != "" {
		go dialWhenReady(ctx, ps, *dial)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Завершение работы...")
}

// loadConfig читает конфигурацию из файла или возвращает значения
// по умолчанию
func loadConfig(path string) (*phone.Config, error) {
	if path == "" {
		return phone.DefaultConfig(), nil
	}
	return phone.LoadConfig(path)
}

// applyFlags накладывает значения флагов поверх конфигурации
func applyFlags(cfg *phone.Config, uri, username, password, registrar, listenAddr, transport string, autoAnswer, debug bool) {
	if uri != "" {
		cfg.URI = uri
	}
	if username != "" {
		cfg.Username = username
	}
	if password != "" {
		cfg.Password = password
	}
	if registrar != "" {
		cfg.Registrar = registrar
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if autoAnswer {
		cfg.AutoAnswer = true
	}
	if debug {
		cfg.Debug = true
	}
}

func logLevel(debug bool) phone.LogLevel {
	if debug {
		return phone.LogLevelDebug
	}
	return phone.LogLevelInfo
}

// subscribeEvents печатает события системы в журнал
func subscribeEvents(ps *phone.PhoneSystem) {
	ps.On(phone.EventRegistrationSuccess, func(payload interface{}) {
		log.Println("Регистрация подтверждена")
	})
	ps.On(phone.EventRegistrationFailed, func(payload interface{}) {
		if p, ok := payload.(phone.RegistrationFailedPayload); ok {
			log.Printf("Регистрация не удалась: %s", p.Error)
		}
	})
	ps.On(phone.EventCallIncoming, func(payload interface{}) {
		if p, ok := payload.(phone.CallPayload); ok {
			log.Printf("Входящий вызов %s от %s", p.Call.ID, p.Call.RemoteNumber)
		}
	})
	ps.On(phone.EventCallOutgoing, func(payload interface{}) {
		if p, ok := payload.(phone.CallPayload); ok {
			log.Printf("Исходящий вызов %s -> %s", p.Call.ID, p.Call.RemoteNumber)
		}
	})
	ps.On(phone.EventCallAnswered, func(payload interface{}) {
		if p, ok := payload.(phone.CallPayload); ok {
			log.Printf("Вызов %s отвечен", p.Call.ID)
		}
	})
	ps.On(phone.EventCallEnded, func(payload interface{}) {
		if p, ok := payload.(phone.CallEndedPayload); ok {
			log.Printf("Вызов %s завершен (%s), длительность %v",
				p.Call.ID, p.Reason, p.Call.Duration)
		}
	})
	ps.On(phone.EventCallQuality, func(payload interface{}) {
		if p, ok := payload.(phone.CallQualityPayload); ok {
			log.Printf("Качество %s: jitter=%v loss=%.2f%% audio=%.2f",
				p.Call.ID, p.Quality.Jitter, p.Quality.PacketLoss*100, p.Quality.AudioLevel)
		}
	})
	ps.On(phone.EventError, func(payload interface{}) {
		if p, ok := payload.(phone.ErrorPayload); ok {
			log.Printf("Ошибка [%s]: %v", p.Context, p.Error)
		}
	})
}

// dialWhenReady ждет готовности системы и набирает номер
func dialWhenReady(ctx context.Context, ps *phone.PhoneSystem, number string) {
	for i := 0; i < 50; i++ {
		if ps.IsPhoneReady() {
			if _, err := ps.MakeCall(ctx, number, phone.CallOptions{}); err != nil {
				log.Printf("Ошибка вызова %s: %v", number, err)
			}
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	log.Printf("Система не готова, вызов %s не выполнен", number)
}

// serveMetrics поднимает HTTP endpoint Prometheus метрик
func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	log.Printf("Метрики доступны на http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Ошибка HTTP сервера метрик: %v\n", err)
	}
}
