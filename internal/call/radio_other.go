//go:build !linux

package call

import (
	"net"

	"github.com/vince0028/gitchat-mesh/internal/meshErr"
)

// unsupportedDirectRadio reports every operation as unavailable. Wi-Fi
// Direct group formation on non-Linux platforms needs a different native
// binding per OS that no library in this ecosystem provides; rather than
// fake success, Phase 2 handoff simply fails fast here.
type unsupportedDirectRadio struct{}

// NewWiFiDirectRadio returns a DirectRadio that always reports the
// platform as unsupported.
func NewWiFiDirectRadio(_ string) DirectRadio {
	return unsupportedDirectRadio{}
}

func (unsupportedDirectRadio) RemoveStaleGroup() error { return errUnsupportedPlatform }
func (unsupportedDirectRadio) CreateGroup() error      { return errUnsupportedPlatform }
func (unsupportedDirectRadio) DiscoverAndConnect() error { return errUnsupportedPlatform }
func (unsupportedDirectRadio) WaitForInterfaceIP() (net.IP, error) {
	return nil, errUnsupportedPlatform
}
func (unsupportedDirectRadio) ConnectionInfo() (bool, error) { return false, errUnsupportedPlatform }
func (unsupportedDirectRadio) RemoveGroup() error            { return errUnsupportedPlatform }

var errUnsupportedPlatform = meshErr.ErrAdapterUnavailable
