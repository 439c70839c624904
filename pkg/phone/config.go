package phone

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Константы политик по умолчанию
const (
	// DefaultMaxReconnectAttempts максимум автоматических попыток
	// перерегистрации после ошибки
	DefaultMaxReconnectAttempts = 5
	// DefaultReconnectDelay фиксированная задержка между попытками
	DefaultReconnectDelay = 5 * time.Second
	// DefaultAutoAnswerDelay задержка автоответа на входящий вызов
	DefaultAutoAnswerDelay = 1 * time.Second
	// DefaultDTMFDuration длительность DTMF сигнала
	DefaultDTMFDuration = 100 * time.Millisecond
	// DefaultQualityInterval период опроса метрик качества
	DefaultQualityInterval = 5 * time.Second
	// DefaultRegisterExpires желаемое время жизни регистрации
	DefaultRegisterExpires = 300 * time.Second

	// durationTickInterval период пересчета длительности активных вызовов
	durationTickInterval = 1 * time.Second
)

// Config конфигурация телефонной системы.
//
// Захватывается при создании фасада и далее не изменяется. Смена
// конфигурации требует Destroy и создания нового фасада.
type Config struct {
	// URI SIP идентичность (sip:user@pbx.example.com)
	URI string `yaml:"uri"`
	// Username, Password учетные данные digest авторизации
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Realm опциональный realm, по умолчанию домен URI
	Realm string `yaml:"realm,omitempty"`
	// Registrar адрес регистратора, по умолчанию домен URI
	Registrar string `yaml:"registrar,omitempty"`
	// Proxy опциональный исходящий прокси
	Proxy string `yaml:"proxy,omitempty"`

	// ListenAddr локальный адрес SIP транспорта
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Transport протокол SIP транспорта: udp, tcp, tls, ws
	Transport string `yaml:"transport,omitempty"`

	// ICEServers список STUN/TURN серверов
	ICEServers []string `yaml:"ice_servers,omitempty"`

	// Codecs список предпочтительных кодеков. Передается движку как есть,
	// доступность кодеков на этом уровне не проверяется.
	Codecs []string `yaml:"codecs,omitempty"`

	// Debug включает подробное логирование
	Debug bool `yaml:"debug"`

	// AutoAnswer автоматически отвечать на входящие вызовы
	AutoAnswer bool `yaml:"auto_answer"`
	// AutoAnswerDelay задержка автоответа
	AutoAnswerDelay time.Duration `yaml:"auto_answer_delay,omitempty"`

	// MaxReconnectAttempts максимум попыток перерегистрации подряд
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts,omitempty"`
	// ReconnectDelay задержка между попытками перерегистрации
	ReconnectDelay time.Duration `yaml:"reconnect_delay,omitempty"`

	// RegisterExpires желаемое время жизни регистрации
	RegisterExpires time.Duration `yaml:"register_expires,omitempty"`

	// QualityInterval период опроса метрик качества активных вызовов
	QualityInterval time.Duration `yaml:"quality_interval,omitempty"`
	// DTMFDuration длительность DTMF сигнала по умолчанию
	DTMFDuration time.Duration `yaml:"dtmf_duration,omitempty"`

	// UserAgent строка User-Agent SIP запросов
	UserAgent string `yaml:"user_agent,omitempty"`

	// Logger логгер системы; nil — логгер по умолчанию в stderr
	Logger Logger `yaml:"-"`
	// Registerer реестр Prometheus метрик; nil — собственный реестр
	Registerer prometheus.Registerer `yaml:"-"`
	// Devices провайдер аудио устройств; nil — заглушка по умолчанию
	Devices DeviceProvider `yaml:"-"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: "0.0.0.0:0",
		Transport:  "udp",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		Codecs:               []string{"pcmu", "pcma", "telephone-event"},
		AutoAnswerDelay:      DefaultAutoAnswerDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectDelay:       DefaultReconnectDelay,
		RegisterExpires:      DefaultRegisterExpires,
		QualityInterval:      DefaultQualityInterval,
		DTMFDuration:         DefaultDTMFDuration,
		UserAgent:            "PhoneSystem/1.0",
	}
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	if c.URI == "" {
		return newPhoneError("INVALID_CONFIG", "SIP URI не указан", ErrorCategoryValidation, "")
	}
	if !strings.HasPrefix(c.URI, "sip:") && !strings.HasPrefix(c.URI, "sips:") {
		return newPhoneError("INVALID_CONFIG",
			fmt.Sprintf("SIP URI должен начинаться с sip: или sips:, получено %q", c.URI),
			ErrorCategoryValidation, "")
	}
	if c.Username == "" {
		return newPhoneError("INVALID_CONFIG", "имя пользователя не указано", ErrorCategoryValidation, "")
	}

	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.Transport == "" {
		c.Transport = def.Transport
	}
	switch c.Transport {
	case "udp", "tcp", "tls", "ws":
	default:
		return newPhoneError("INVALID_CONFIG",
			fmt.Sprintf("неподдерживаемый транспорт %q", c.Transport),
			ErrorCategoryValidation, "")
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = def.ICEServers
	}
	if len(c.Codecs) == 0 {
		c.Codecs = def.Codecs
	}
	if c.AutoAnswerDelay <= 0 {
		c.AutoAnswerDelay = def.AutoAnswerDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = def.RegisterExpires
	}
	if c.QualityInterval <= 0 {
		c.QualityInterval = def.QualityInterval
	}
	if c.DTMFDuration <= 0 {
		c.DTMFDuration = def.DTMFDuration
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	return nil
}

// LoadConfig читает конфигурацию из YAML файла и валидирует её
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конфигурации: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// domain извлекает домен из SIP URI конфигурации
func (c *Config) domain() string {
	uri := strings.TrimPrefix(strings.TrimPrefix(c.URI, "sips:"), "sip:")
	if at := strings.IndexByte(uri, '@'); at >= 0 {
		uri = uri[at+1:]
	}
	if sc := strings.IndexByte(uri, ';'); sc >= 0 {
		uri = uri[:sc]
	}
	return uri
}
