// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"

	"github.com/gomlx/constensor/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Capabilities holds mappings of what is supported by a backend.
type Capabilities struct {
	// Operations supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[OpType]bool

	// DTypes list the data types supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = make(map[OpType]bool, len(c.Operations))
	maps.Copy(c2.Operations, c.Operations)
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	return c2
}

// Check returns an error wrapping ErrCompilation if the op or dtype is not supported.
func (c Capabilities) Check(backendName string, op OpType, dtype dtypes.DType) error {
	if !c.Operations[op] {
		return errors.Wrapf(ErrCompilation, "op %s not supported by backend %s", op, backendName)
	}
	if !c.DTypes[dtype] {
		return errors.Wrapf(ErrCompilation, "dtype %s not supported by backend %s (op %s)", dtype, backendName, op)
	}
	return nil
}

// CheckOp verifies the op type with the output dtype, and for a Cast also the source dtype.
func (c Capabilities) CheckOp(backendName string, op *Op, output dtypes.DType) error {
	if err := c.Check(backendName, op.Type, output); err != nil {
		return err
	}
	if op.Type == OpTypeCast {
		return c.Check(backendName, op.Type, op.From)
	}
	return nil
}

// CapabilitiesFunc returns the capabilities a backend would have with the given configuration.
type CapabilitiesFunc func(config string) Capabilities

var declaredCapabilities = make(map[shapes.DeviceKind]CapabilitiesFunc)

// DeclareCapabilities registers the capabilities of the backend of a kind of devices, so ops can
// be validated even when the backend can't be created (see CheckDeclared).
//
// To be safe, call DeclareCapabilities during initialization of a package, next to Register.
func DeclareCapabilities(kind shapes.DeviceKind, capabilities CapabilitiesFunc) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	declaredCapabilities[kind] = capabilities
}

// CheckDeclared verifies the op against the declared capabilities of the backend for the device,
// without creating it. It returns an error wrapping ErrCompilation if they don't support the op,
// and nil if they do or if none were declared.
func CheckDeclared(device shapes.Device, op *Op, output dtypes.DType) error {
	muRegistry.Lock()
	capabilities, found := declaredCapabilities[device.Kind]
	r := registeredConstructors[device.Kind]
	muRegistry.Unlock()
	if !found {
		return nil
	}
	return capabilities(ConfigFor(r.name)).CheckOp(r.name, op, output)
}
