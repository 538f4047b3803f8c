package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caffeineduck/partybox/internal/logging"
)

// Modes accepted by Select.
const (
	ModeAuto      = "auto"
	ModeContainer = string(KindContainer)
	ModeProcess   = string(KindProcess)
)

const probeTimeout = 5 * time.Second

// Select picks the boot strategy. In auto mode the container daemon is probed
// once; if it answers containers are used, otherwise child processes. Inline
// is never chosen here.
func Select(ctx context.Context, mode string, container *Container, process *Process, logger *slog.Logger) (Strategy, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	switch mode {
	case ModeProcess:
		return process, nil
	case ModeContainer, ModeAuto, "":
	default:
		return nil, fmt.Errorf("unknown strategy mode %q", mode)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if container != nil && container.Docker != nil && Available(probeCtx, container.Docker) {
		logger.Info("container substrate available", "strategy", KindContainer)
		return container, nil
	}
	if mode == ModeContainer {
		return nil, fmt.Errorf("container strategy requested but the daemon is unreachable")
	}
	logger.Info("container substrate unavailable, using child processes", "strategy", KindProcess)
	return process, nil
}
