package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockEventRepository) SaveEvent(ctx context.Context, ev Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}
func (m *MockEventRepository) ListEvents(ctx context.Context, params ListEventsParams) ([]Event, error) {
	args := m.Called(ctx, params)
	if events, ok := args.Get(0).([]Event); ok {
		return events, args.Error(1)
	}
	return nil, args.Error(1)
}
