package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// NewRuntime creates the ContainerRuntime for the configured backend.
func NewRuntime(logger *zap.Logger, backend string) (ContainerRuntime, error) {
	switch backend {
	case "docker":
		return NewDockerRuntime(logger)
	case "local":
		return NewLocalRuntime(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}
