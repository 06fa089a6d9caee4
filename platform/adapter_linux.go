//go:build linux

package platform

import (
	"github.com/bluetuith-org/blecommand/api/config"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/linux"
)

// NewAdapter returns the BlueZ adapter of the configured controller.
func NewAdapter(cfg config.Configuration, log logger.Logger) (Adapter, PlatformInfo, error) {
	info := NewPlatformInfo(BluezStack)

	adapter, err := linux.New(cfg.Adapter.Name, log)
	if err != nil {
		return nil, info, err
	}

	return adapter, info, nil
}
