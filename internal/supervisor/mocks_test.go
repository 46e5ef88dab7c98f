package supervisor

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) Run(ctx context.Context, containerID, bundleDir string) (RunHandle, error) {
	args := m.Called(ctx, containerID, bundleDir)
	if h := args.Get(0); h != nil {
		return h.(RunHandle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntime) Kill(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntime) Delete(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

type MockRunHandle struct {
	mock.Mock
}

func (m *MockRunHandle) Wait(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
