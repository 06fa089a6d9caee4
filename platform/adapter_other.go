//go:build !linux

package platform

import (
	"github.com/bluetuith-org/blecommand/api/config"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/logger"
)

// NewAdapter fails, since only BlueZ is supported.
func NewAdapter(config.Configuration, logger.Logger) (Adapter, PlatformInfo, error) {
	return nil, NewPlatformInfo(UnsupportedStack),
		errorkinds.Wrap(errorkinds.ErrNotSupported, "platform-adapter", "", "No device adapter is available on this platform")
}
