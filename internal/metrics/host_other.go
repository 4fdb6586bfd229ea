//go:build !linux

package metrics

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("host metrics are not supported on " + runtime.GOOS)

type unsupportedProbe struct{}

func NewHostProbe() HostProbe { return unsupportedProbe{} }

func (unsupportedProbe) Load() (float64, error) { return 0, errUnsupported }

func (unsupportedProbe) DiskPercent(string) (int, error) { return 0, errUnsupported }
