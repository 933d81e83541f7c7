// SPDX-License-Identifier: GPL-3.0-or-later

package nbdctx

import "github.com/bassosimone/nbdcore/layer"

// CanWrite memoizes the layer's CanWrite answer.
func (c *Context) CanWrite(compute func() (layer.TriState, error)) (layer.TriState, error) {
	v, err := c.memoize(&c.canWrite, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.TriState(v), err
}

// CanFlush memoizes the layer's CanFlush answer.
func (c *Context) CanFlush(compute func() (layer.TriState, error)) (layer.TriState, error) {
	v, err := c.memoize(&c.canFlush, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.TriState(v), err
}

// IsRotational memoizes the layer's IsRotational answer.
func (c *Context) IsRotational(compute func() (layer.TriState, error)) (layer.TriState, error) {
	v, err := c.memoize(&c.isRotational, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.TriState(v), err
}

// CanTrim memoizes the layer's CanTrim answer.
func (c *Context) CanTrim(compute func() (layer.TriState, error)) (layer.TriState, error) {
	v, err := c.memoize(&c.canTrim, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.TriState(v), err
}

// CanZero memoizes the layer's CanZero answer.
func (c *Context) CanZero(compute func() (layer.ZeroMode, error)) (layer.ZeroMode, error) {
	v, err := c.memoize(&c.canZero, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.ZeroMode(v), err
}

// CanFastZero memoizes the layer's CanFastZero answer.
func (c *Context) CanFastZero(compute func() (layer.TriState, error)) (layer.TriState, error) {
	v, err := c.memoize(&c.canFastZero, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.TriState(v), err
}

// CanFUA memoizes the layer's CanFUA answer.
func (c *Context) CanFUA(compute func() (layer.FuaMode, error)) (layer.FuaMode, error) {
	v, err := c.memoize(&c.canFUA, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.FuaMode(v), err
}

// CanMultiConn memoizes the layer's CanMultiConn answer.
func (c *Context) CanMultiConn(compute func() (layer.TriState, error)) (layer.TriState, error) {
	v, err := c.memoize(&c.canMultiConn, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.TriState(v), err
}

// CanCache memoizes the layer's CanCache answer.
func (c *Context) CanCache(compute func() (layer.CacheMode, error)) (layer.CacheMode, error) {
	v, err := c.memoize(&c.canCache, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.CacheMode(v), err
}

// CanExtents memoizes the layer's CanExtents answer.
func (c *Context) CanExtents(compute func() (layer.TriState, error)) (layer.TriState, error) {
	v, err := c.memoize(&c.canExtents, func() (int8, error) {
		r, err := compute()
		return int8(r), err
	})
	return layer.TriState(v), err
}
