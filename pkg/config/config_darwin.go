package config

import (
	"syscall"

	"github.com/rs/zerolog/log"
)

func (cfg *Config) SetPriority() error {
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, cfg.General.CPUNicePriority); err != nil {
		log.Warn().Msgf("can't set CPU priority %d, error: %v", cfg.General.CPUNicePriority, err)
	}
	return nil
}
