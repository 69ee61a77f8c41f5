// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "fmt"

// DeviceKind is the family of an execution target.
type DeviceKind int

const (
	KindCPU DeviceKind = iota
	KindGPU
)

// String implements fmt.Stringer.
func (k DeviceKind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindGPU:
		return "gpu"
	}
	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

// Device is the execution target tag carried by every node and tensor.
//
// The zero value is the CPU.
type Device struct {
	Kind  DeviceKind
	Index int
}

// CPU returns the host device. There is only one.
func CPU() Device { return Device{Kind: KindCPU} }

// GPU returns the GPU device with the given adapter ordinal.
func GPU(index int) Device { return Device{Kind: KindGPU, Index: index} }

// IsCPU returns whether the device is the host.
func (d Device) IsCPU() bool { return d.Kind == KindCPU }

// IsGPU returns whether the device is a GPU.
func (d Device) IsGPU() bool { return d.Kind == KindGPU }

// Ok returns whether the device is a known kind with a valid index.
func (d Device) Ok() bool {
	switch d.Kind {
	case KindCPU:
		return d.Index == 0
	case KindGPU:
		return d.Index >= 0
	}
	return false
}

// String implements fmt.Stringer. E.g.: "cpu", "gpu:0".
func (d Device) String() string {
	if d.Kind == KindCPU {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}
