package api

import (
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/faasd/internal/registry"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(name string, imageStream io.Reader) (registry.Deployment, error) {
	args := m.Called(name, imageStream)
	if d := args.Get(0); d != nil {
		return d.(registry.Deployment), args.Error(1)
	}
	return registry.Deployment{}, args.Error(1)
}

func (m *MockPublisher) Lookup(name string) (registry.Deployment, error) {
	args := m.Called(name)
	if d := args.Get(0); d != nil {
		return d.(registry.Deployment), args.Error(1)
	}
	return registry.Deployment{}, args.Error(1)
}

func (m *MockPublisher) List() []registry.Deployment {
	args := m.Called()
	if l := args.Get(0); l != nil {
		return l.([]registry.Deployment)
	}
	return nil
}
