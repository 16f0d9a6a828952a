//go:build !linux

package xport

import (
	"fmt"

	"github.com/hostside/go-nvmetest/internal/interfaces"
)

// Attach is only available on Linux, where the kernel exposes NVMe
// passthrough character devices.
func Attach(nsPath, ctrlPath string, depth int) (interfaces.Controller, error) {
	return nil, fmt.Errorf("xport: nvme char-device passthrough requires linux")
}
