package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sbfleet/pdufleet/internal/cache"
	"github.com/sbfleet/pdufleet/internal/codec"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := cache.New(time.Minute, 64)
	vals := map[string]codec.Value{"output_voltage": {Float: 230}}
	c.Put("10.0.0.1#1", "power", vals)

	got, ok := c.Get("10.0.0.1#1", "power")
	require.True(t, ok)
	require.Equal(t, vals, got.Values)
}

func TestIdentificationGroupNeverExpires(t *testing.T) {
	t.Parallel()

	c := cache.New(time.Nanosecond, 64)
	vals := map[string]codec.Value{"device_type": {Int: 1}}
	c.Put("10.0.0.1#1", cache.IdentificationGroup, vals)

	time.Sleep(5 * time.Millisecond)

	got, ok := c.Get("10.0.0.1#1", cache.IdentificationGroup)
	require.True(t, ok)
	require.Equal(t, vals, got.Values)
}

func TestPermanentModeNeverExpiresAnyGroup(t *testing.T) {
	t.Parallel()

	c := cache.New(-1, 64)
	vals := map[string]codec.Value{"x": {Int: 1}}
	c.Put("10.0.0.1#1", "power", vals)

	got, ok := c.Get("10.0.0.1#1", "power")
	require.True(t, ok)
	require.Equal(t, vals, got.Values)
}

func TestInvalidateMnemonicRemovesSingleKey(t *testing.T) {
	t.Parallel()

	c := cache.New(time.Minute, 64)
	vals := map[string]codec.Value{"a": {Int: 1}, "b": {Int: 2}}
	c.Put("10.0.0.1#1", "power", vals)

	c.InvalidateMnemonic("10.0.0.1#1", "power", "a")

	got, ok := c.Get("10.0.0.1#1", "power")
	require.True(t, ok)
	require.NotContains(t, got.Values, "a")
	require.Contains(t, got.Values, "b")
}

func TestInvalidateMnemonicDropsEmptyEntry(t *testing.T) {
	t.Parallel()

	c := cache.New(time.Minute, 64)
	vals := map[string]codec.Value{"a": {Int: 1}}
	c.Put("10.0.0.1#1", "power", vals)

	c.InvalidateMnemonic("10.0.0.1#1", "power", "a")

	_, ok := c.Get("10.0.0.1#1", "power")
	require.False(t, ok)
}

func TestInvalidateDeviceDropsAllGroups(t *testing.T) {
	t.Parallel()

	c := cache.New(time.Minute, 64)
	c.Put("10.0.0.1#1", "power", map[string]codec.Value{"a": {Int: 1}})
	c.Put("10.0.0.1#1", cache.IdentificationGroup, map[string]codec.Value{"b": {Int: 2}})
	c.Put("10.0.0.1#2", "power", map[string]codec.Value{"c": {Int: 3}})

	c.InvalidateDevice("10.0.0.1#1")

	_, ok := c.Get("10.0.0.1#1", "power")
	require.False(t, ok)
	_, ok = c.Get("10.0.0.1#1", cache.IdentificationGroup)
	require.False(t, ok)

	got, ok := c.Get("10.0.0.1#2", "power")
	require.True(t, ok)
	require.Equal(t, map[string]codec.Value{"c": {Int: 3}}, got.Values)
}
