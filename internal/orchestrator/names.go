package orchestrator

import (
	"fmt"
	"path/filepath"
)

// Resource naming is a stable contract shared with the log and analysis
// tooling; the formats below must not change.

func coordNetworkName(experiment string) string {
	return experiment + "_coord_net"
}

func coordContainerName(experiment string) string {
	return experiment + "_coordination"
}

func instanceNetworkName(experiment string, index int) string {
	return fmt.Sprintf("%s_eval_net_%d", experiment, index)
}

func driverContainerName(experiment string, index int) string {
	return fmt.Sprintf("%s_eval_%d", experiment, index)
}

// serviceContainerName names replica j (1-indexed) of a service within an
// instance.
func serviceContainerName(experiment string, index int, service string, replica int) string {
	return fmt.Sprintf("%s_eval_%d_%s_%d", experiment, index, service, replica)
}

func instanceLogPath(logDir, experiment string, index int) string {
	return filepath.Join(logDir, fmt.Sprintf("%s_eval_%d.log", experiment, index))
}
