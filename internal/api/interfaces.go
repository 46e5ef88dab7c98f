package api

import (
	"io"

	"github.com/p-arndt/faasd/internal/registry"
)

// DeploymentPublisher orchestrates the Image Extractor, Registry, and
// Listener Manager to publish a new deployment. The Server does not call
// the registry or the extractor directly — Publish owns that ordering.
type DeploymentPublisher interface {
	Publish(name string, imageStream io.Reader) (registry.Deployment, error)
	Lookup(name string) (registry.Deployment, error)
	List() []registry.Deployment
}
