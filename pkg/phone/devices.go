package phone

import (
	"context"
	"time"
)

// MediaDeviceKind тип аудио устройства
type MediaDeviceKind string

const (
	MediaDeviceAudioInput  MediaDeviceKind = "audioinput"
	MediaDeviceAudioOutput MediaDeviceKind = "audiooutput"
)

// MediaDevice описание аудио устройства
type MediaDevice struct {
	ID    string          `json:"device_id"`
	Label string          `json:"label"`
	Kind  MediaDeviceKind `json:"kind"`
}

// AudioSettings настройки аудио тракта
type AudioSettings struct {
	InputDeviceID    string  `json:"input_device_id,omitempty"`
	OutputDeviceID   string  `json:"output_device_id,omitempty"`
	EchoCancellation bool    `json:"echo_cancellation"`
	NoiseSuppression bool    `json:"noise_suppression"`
	AutoGainControl  bool    `json:"auto_gain_control"`
	Volume           float64 `json:"volume"`
}

// DeviceProvider доступ к аудио устройствам платформы.
//
// Провайдер независим от SIP движка: проверка устройств не затрагивает
// состояние вызовов. Реализация по умолчанию — заглушка с одним
// входным и одним выходным устройством.
type DeviceProvider interface {
	// Enumerate возвращает список доступных аудио устройств
	Enumerate(ctx context.Context) ([]MediaDevice, error)
	// TestInput проверяет захват с устройства ввода
	TestInput(ctx context.Context, deviceID string) error
	// TestOutput проверяет воспроизведение на устройстве вывода
	TestOutput(ctx context.Context, deviceID string) error
	// Apply применяет настройки аудио тракта
	Apply(ctx context.Context, settings AudioSettings) error
}

// defaultDeviceProvider заглушка провайдера устройств
type defaultDeviceProvider struct{}

func (defaultDeviceProvider) Enumerate(ctx context.Context) ([]MediaDevice, error) {
	return []MediaDevice{
		{ID: "default-input", Label: "Default Microphone", Kind: MediaDeviceAudioInput},
		{ID: "default-output", Label: "Default Speaker", Kind: MediaDeviceAudioOutput},
	}, nil
}

func (defaultDeviceProvider) TestInput(ctx context.Context, deviceID string) error {
	// Заглушка: имитируем короткий захват
	select {
	case <-time.After(10 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (defaultDeviceProvider) TestOutput(ctx context.Context, deviceID string) error {
	select {
	case <-time.After(10 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (defaultDeviceProvider) Apply(ctx context.Context, settings AudioSettings) error {
	return nil
}

// GetMediaDevices возвращает список аудио устройств.
// Единственный метод устройств, который может вернуть ошибку
// (сбой перечисления).
func (ps *PhoneSystem) GetMediaDevices(ctx context.Context) ([]MediaDevice, error) {
	devices, err := ps.devices.Enumerate(ctx)
	if err != nil {
		return nil, newPhoneError("DEVICE_ENUMERATION_FAILED", err.Error(),
			ErrorCategoryDevice, "").withCause(err)
	}
	return devices, nil
}

// SetAudioSettings применяет настройки аудио. Ошибки логируются и
// возвращаются, но никогда не влияют на состояние вызовов.
func (ps *PhoneSystem) SetAudioSettings(ctx context.Context, settings AudioSettings) error {
	if err := ps.devices.Apply(ctx, settings); err != nil {
		ps.logger.Warnf("ошибка применения аудио настроек: %v", err)
		return newPhoneError("AUDIO_SETTINGS_FAILED", err.Error(),
			ErrorCategoryDevice, "").withCause(err)
	}
	return nil
}

// TestMicrophone проверяет микрофон. Возвращает false при любой ошибке,
// никогда не паникует и не влияет на вызовы.
func (ps *PhoneSystem) TestMicrophone(ctx context.Context) bool {
	if err := ps.devices.TestInput(ctx, ""); err != nil {
		ps.logger.Warnf("проверка микрофона не удалась: %v", err)
		return false
	}
	return true
}

// TestSpeaker проверяет динамик. Возвращает false при любой ошибке.
func (ps *PhoneSystem) TestSpeaker(ctx context.Context) bool {
	if err := ps.devices.TestOutput(ctx, ""); err != nil {
		ps.logger.Warnf("проверка динамика не удалась: %v", err)
		return false
	}
	return true
}
