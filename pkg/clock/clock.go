package clock

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/habitus-home/habitus-platform/pkg/mqtt"
)

// Clock supplies the current UTC time. Injectable so every engine
// component is deterministic under test.
type Clock interface {
	Now() time.Time
}

// systemClock is the production clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the real-time clock.
func System() Clock { return systemClock{} }

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to an absolute instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// Manager is a Clock that can be switched into virtual time from an MQTT
// configuration message, used to replay multi-day scenarios quickly.
type Manager struct {
	mu           sync.RWMutex
	testMode     bool
	virtualStart time.Time
	realStart    time.Time
	timeScale    int
	logger       *slog.Logger
}

// NewManager creates a manager running on real time.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		testMode:  false,
		realStart: time.Now(),
		timeScale: 1,
		logger:    logger,
	}
}

// ConfigureFromMQTT subscribes to the virtual time configuration topic.
func (m *Manager) ConfigureFromMQTT(client mqtt.Client) error {
	handler := func(msg mqtt.Message) {
		m.handleTimeConfig(msg.Payload())
	}
	return client.Subscribe(mqtt.TopicTimeConfig, 1, handler)
}

func (m *Manager) handleTimeConfig(payload []byte) {
	var cfg struct {
		VirtualStart string `json:"virtual_start"`
		TimeScale    int    `json:"time_scale"`
		TestMode     bool   `json:"test_mode"`
	}

	if err := json.Unmarshal(payload, &cfg); err != nil {
		m.logger.Error("Failed to parse time config", "error", err)
		return
	}

	if !cfg.TestMode {
		m.logger.Info("Virtual time disabled")
		m.mu.Lock()
		m.testMode = false
		m.mu.Unlock()
		return
	}

	virtualStart, err := time.Parse(time.RFC3339, cfg.VirtualStart)
	if err != nil {
		m.logger.Error("Invalid virtual_start time", "error", err)
		return
	}

	if cfg.TimeScale < 1 {
		cfg.TimeScale = 1
	}

	m.mu.Lock()
	m.testMode = true
	m.virtualStart = virtualStart
	m.realStart = time.Now()
	m.timeScale = cfg.TimeScale
	m.mu.Unlock()

	m.logger.Info("Virtual time configured",
		"virtual_start", cfg.VirtualStart,
		"time_scale", cfg.TimeScale)
}

// Now returns the current time (real or virtual).
func (m *Manager) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.testMode {
		return time.Now().UTC()
	}

	realElapsed := time.Since(m.realStart)
	virtualElapsed := realElapsed * time.Duration(m.timeScale)
	return m.virtualStart.Add(virtualElapsed).UTC()
}

// IsTestMode reports whether virtual time is active.
func (m *Manager) IsTestMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.testMode
}
