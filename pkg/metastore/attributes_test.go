// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package metastore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/depotd/depot/pkg/metastore"
)

func TestAttributesSection(t *testing.T) {
	attrs := metastore.Attributes{}

	// reads never create sections
	section, ok := attrs.Section("maven2")
	require.False(t, ok)
	require.Nil(t, section)
	require.Empty(t, attrs)

	section = attrs.EnsureSection("maven2")
	section.Set("packaging", "jar")
	require.Len(t, attrs, 1)

	got, ok := attrs.Section("maven2")
	require.True(t, ok)
	value, ok := got.GetString("packaging")
	require.True(t, ok)
	require.Equal(t, "jar", value)

	// non-map values are not sections
	attrs.Set("flat", "value")
	_, ok = attrs.Section("flat")
	require.False(t, ok)
}

func TestAttributesClone(t *testing.T) {
	attrs := metastore.Attributes{}
	attrs.EnsureSection("checksum").Set("sha1", "da39a3ee")

	clone := attrs.Clone()
	clone.EnsureSection("checksum").Set("sha1", "mutated")

	section, ok := attrs.Section("checksum")
	require.True(t, ok)
	value, _ := section.GetString("sha1")
	require.Equal(t, "da39a3ee", value)

	require.Nil(t, metastore.Attributes(nil).Clone())
}

func TestTimeRoundtrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	decoded, ok := metastore.DecodeTime(metastore.EncodeTime(now))
	require.True(t, ok)
	require.True(t, decoded.Equal(now))

	_, ok = metastore.DecodeTime(nil)
	require.False(t, ok)
	_, ok = metastore.DecodeTime("not a timestamp")
	require.False(t, ok)
}
