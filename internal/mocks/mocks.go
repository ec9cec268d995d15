// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Capture() config.CaptureConfig {
	args := m.Called()
	return args.Get(0).(config.CaptureConfig)
}

func (m *MockConfig) Agent() config.AgentConfig {
	args := m.Called()
	return args.Get(0).(config.AgentConfig)
}

func (m *MockConfig) Monitor() config.MonitorConfig {
	args := m.Called()
	return args.Get(0).(config.MonitorConfig)
}

func (m *MockConfig) Inbox() config.InboxConfig {
	args := m.Called()
	return args.Get(0).(config.InboxConfig)
}

func (m *MockConfig) Profile() config.ProfileConfig {
	args := m.Called()
	return args.Get(0).(config.ProfileConfig)
}

func (m *MockConfig) Executor() config.ExecutorConfig {
	args := m.Called()
	return args.Get(0).(config.ExecutorConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetMonitorInterval(d time.Duration) {
	m.Called(d)
}

func (m *MockConfig) SetMonitorDetectEvery(n int) {
	m.Called(n)
}

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close does not need an expectation.
func (m *MockLLMClient) Close() error { return nil }

// -- Capture Source Mock --

// MockCaptureSource mocks schemas.CaptureSource.
type MockCaptureSource struct {
	mock.Mock
}

func (m *MockCaptureSource) Query(ctx context.Context, q schemas.CaptureQuery) ([]schemas.RawCaptureItem, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.RawCaptureItem), args.Error(1)
}

// -- Publisher Mock --

// MockPublisher mocks schemas.Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, title, body string) error {
	return m.Called(ctx, title, body).Error(0)
}
