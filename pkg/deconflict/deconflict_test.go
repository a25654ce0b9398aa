// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package deconflict_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/depotd/depot/pkg/deconflict"
	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/storage"
)

func assetDoc(version int64, fields storage.Fields) *storage.Document {
	return &storage.Document{
		ID:      "asset-1",
		Kind:    metastore.KindAsset,
		Version: version,
		Fields:  fields,
	}
}

func assetRegistry() *deconflict.Registry {
	registry := deconflict.NewRegistry()
	registry.Add(metastore.KindAsset,
		deconflict.NewLastUpdated(),
		deconflict.NewLastDownloaded(),
		deconflict.NewContentTimestamps(),
		deconflict.NewCacheToken(),
		deconflict.NewAttributeSections("packaging"),
	)
	return registry
}

func TestResolveLastDownloaded(t *testing.T) {
	registry := assetRegistry()
	now := time.Now().UTC()

	// the later download timestamp wins, regardless of which side
	// carries it
	stored := assetDoc(2, storage.Fields{
		metastore.FieldLastDownloaded: metastore.EncodeTime(now),
	})
	changing := assetDoc(1, storage.Fields{
		metastore.FieldLastDownloaded: metastore.EncodeTime(now.Add(-time.Hour)),
	})
	require.True(t, registry.Resolve(stored, changing))
	require.Equal(t, int64(2), changing.Version)
	merged, ok := metastore.DecodeTime(changing.Fields[metastore.FieldLastDownloaded])
	require.True(t, ok)
	require.True(t, merged.Equal(now))

	stored = assetDoc(2, storage.Fields{
		metastore.FieldLastDownloaded: metastore.EncodeTime(now),
	})
	changing = assetDoc(1, storage.Fields{
		metastore.FieldLastDownloaded: metastore.EncodeTime(now.Add(time.Hour)),
	})
	require.True(t, registry.Resolve(stored, changing))
	merged, _ = metastore.DecodeTime(changing.Fields[metastore.FieldLastDownloaded])
	require.True(t, merged.Equal(now.Add(time.Hour)))

	// a side without the timestamp loses to one with it
	stored = assetDoc(2, storage.Fields{
		metastore.FieldLastDownloaded: metastore.EncodeTime(now),
	})
	changing = assetDoc(1, storage.Fields{})
	require.True(t, registry.Resolve(stored, changing))
	merged, ok = metastore.DecodeTime(changing.Fields[metastore.FieldLastDownloaded])
	require.True(t, ok)
	require.True(t, merged.Equal(now))
}

func TestResolveCacheToken(t *testing.T) {
	registry := assetRegistry()

	// a concurrent revalidation's token sticks
	stored := assetDoc(2, storage.Fields{metastore.FieldCacheToken: "fresh"})
	changing := assetDoc(1, storage.Fields{metastore.FieldCacheToken: "mine"})
	require.True(t, registry.Resolve(stored, changing))
	require.Equal(t, "fresh", changing.Fields[metastore.FieldCacheToken])

	// unless the change is an explicit invalidation
	stored = assetDoc(2, storage.Fields{metastore.FieldCacheToken: "fresh"})
	changing = assetDoc(1, storage.Fields{metastore.FieldCacheToken: metastore.CacheTokenInvalidated})
	require.True(t, registry.Resolve(stored, changing))
	require.Equal(t, metastore.CacheTokenInvalidated, changing.Fields[metastore.FieldCacheToken])

	// or nothing was stored yet
	stored = assetDoc(2, storage.Fields{})
	changing = assetDoc(1, storage.Fields{metastore.FieldCacheToken: "mine"})
	require.True(t, registry.Resolve(stored, changing))
	require.Equal(t, "mine", changing.Fields[metastore.FieldCacheToken])
}

func TestResolveAttributeSections(t *testing.T) {
	registry := assetRegistry()

	// a lazily populated section survives a concurrent unrelated write
	stored := assetDoc(2, storage.Fields{
		metastore.FieldAttributes: map[string]interface{}{
			"packaging": map[string]interface{}{"extension": "jar"},
		},
	})
	changing := assetDoc(1, storage.Fields{
		metastore.FieldAttributes: map[string]interface{}{},
	})
	require.True(t, registry.Resolve(stored, changing))
	attrs, _ := changing.Fields[metastore.FieldAttributes].(map[string]interface{})
	require.Equal(t, map[string]interface{}{"extension": "jar"}, attrs["packaging"])

	// both sides populating the section differently is a real conflict
	stored = assetDoc(2, storage.Fields{
		metastore.FieldAttributes: map[string]interface{}{
			"packaging": map[string]interface{}{"extension": "jar"},
		},
	})
	changing = assetDoc(1, storage.Fields{
		metastore.FieldAttributes: map[string]interface{}{
			"packaging": map[string]interface{}{"extension": "war"},
		},
	})
	require.False(t, registry.Resolve(stored, changing))
	// the changing document is untouched on failure
	require.Equal(t, int64(1), changing.Version)
	attrs, _ = changing.Fields[metastore.FieldAttributes].(map[string]interface{})
	require.Equal(t, map[string]interface{}{"extension": "war"}, attrs["packaging"])
}

func TestResolveUnmergeableField(t *testing.T) {
	registry := assetRegistry()

	// no step claims the size field, so the conflict stands
	stored := assetDoc(2, storage.Fields{metastore.FieldSize: float64(100)})
	changing := assetDoc(1, storage.Fields{metastore.FieldSize: float64(200)})
	require.False(t, registry.Resolve(stored, changing))
	require.Equal(t, int64(1), changing.Version)
}

func TestResolveUnregisteredKind(t *testing.T) {
	registry := deconflict.NewRegistry()

	stored := assetDoc(2, storage.Fields{})
	changing := assetDoc(1, storage.Fields{metastore.FieldSize: float64(1)})
	require.False(t, registry.Resolve(stored, changing))

	var nilRegistry *deconflict.Registry
	require.False(t, nilRegistry.Resolve(stored, changing))
}

func TestResolveIdenticalDocuments(t *testing.T) {
	registry := assetRegistry()

	// only the version went stale; nothing differs
	stored := assetDoc(5, storage.Fields{metastore.FieldName: "demo.jar"})
	changing := assetDoc(3, storage.Fields{metastore.FieldName: "demo.jar"})
	require.True(t, registry.Resolve(stored, changing))
	require.Equal(t, int64(5), changing.Version)
}
