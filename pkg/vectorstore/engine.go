package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
	badger "github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// badgerNamespace is the concrete Namespace: Badger for durable
// (id -> vector+metadata) storage, an LRU for hot decoded-item reads,
// and a bloom filter so Get can answer "definitely absent" without
// touching the LRU or Badger -- mirroring the L1/L2/L3 shape of
// RhinoBox's internal/cache.
type badgerNamespace struct {
	name string
	db   *badger.DB

	mu    sync.Mutex // guards bloom filter rebuilds/writes
	bloom *bloom.BloomFilter
	cache *lru.Cache[string, Item]
}

const (
	bloomEstimatedItems = 200_000
	bloomFalsePositive  = 0.01
	lruCacheSize        = 4096
)

func openNamespace(path string) (*badgerNamespace, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger namespace at %s: %w", path, err)
	}

	cache, err := lru.New[string, Item](lruCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}

	ns := &badgerNamespace{
		name:  path,
		db:    db,
		bloom: bloom.NewWithEstimates(bloomEstimatedItems, bloomFalsePositive),
		cache: cache,
	}
	if err := ns.rebuildBloom(); err != nil {
		db.Close()
		return nil, err
	}
	return ns, nil
}

func (n *badgerNamespace) rebuildBloom() error {
	return n.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		n.mu.Lock()
		defer n.mu.Unlock()
		for it.Rewind(); it.Valid(); it.Next() {
			n.bloom.Add(it.Item().KeyCopy(nil))
		}
		return nil
	})
}

func (n *badgerNamespace) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	err := n.db.Update(func(txn *badger.Txn) error {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := encodeRecord(item.Vector, item.Metadata)
			if err != nil {
				return fmt.Errorf("encode %s: %w", item.ID, err)
			}
			if err := txn.Set([]byte(item.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", n.name, err)
	}

	n.mu.Lock()
	for _, item := range items {
		n.bloom.AddString(item.ID)
	}
	n.mu.Unlock()

	for _, item := range items {
		n.cache.Add(item.ID, item)
	}
	return nil
}

func (n *badgerNamespace) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := n.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := txn.Delete([]byte(id)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", n.name, err)
	}
	for _, id := range ids {
		n.cache.Remove(id)
	}
	// Bloom filters cannot un-set a bit; a stale "might contain" after
	// delete only costs an extra Badger lookup on a later Get of the
	// same id, never a correctness issue.
	return nil
}

func (n *badgerNamespace) DeleteWhere(ctx context.Context, filter Filter) (int, error) {
	var toDelete [][]byte
	err := n.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var data []byte
			err := item.Value(func(val []byte) error {
				data = append([]byte(nil), val...)
				return nil
			})
			if err != nil {
				return err
			}
			_, metadata, err := decodeRecord(data)
			if err != nil {
				continue
			}
			if matches(metadata, filter) {
				toDelete = append(toDelete, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s for delete: %w", n.name, err)
	}

	ids := make([]string, len(toDelete))
	for i, k := range toDelete {
		ids[i] = string(k)
	}
	if err := n.Delete(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (n *badgerNamespace) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]QueryResult, error) {
	var results []QueryResult

	err := n.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			badgerItem := it.Item()
			var data []byte
			if err := badgerItem.Value(func(val []byte) error {
				data = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			vec, metadata, err := decodeRecord(data)
			if err != nil {
				continue
			}
			if !matches(metadata, filter) {
				continue
			}
			results = append(results, QueryResult{
				ID:       string(badgerItem.KeyCopy(nil)),
				Score:    cosineSimilarity(vector, vec),
				Metadata: metadata,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", n.name, err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Get is the namespace's one real read path for the L1/L2 levels: the
// bloom filter answers "definitely absent" without touching the LRU or
// Badger at all, the LRU answers a hot id without a Badger read, and
// only a genuine cold hit falls through to L3. Used by the query path
// to look up a specific adjacent chunk by its deterministic id instead
// of scanning the whole namespace.
func (n *badgerNamespace) Get(ctx context.Context, id string) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}

	n.mu.Lock()
	maybePresent := n.bloom.TestString(id)
	n.mu.Unlock()
	if !maybePresent {
		return Item{}, false, nil
	}

	if item, ok := n.cache.Get(id); ok {
		return item, true, nil
	}

	var item Item
	found := false
	err := n.db.View(func(txn *badger.Txn) error {
		badgerItem, err := txn.Get([]byte(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return badgerItem.Value(func(val []byte) error {
			vec, metadata, derr := decodeRecord(val)
			if derr != nil {
				return derr
			}
			item = Item{ID: id, Vector: vec, Metadata: metadata}
			return nil
		})
	})
	if err != nil {
		return Item{}, false, fmt.Errorf("get %s from %s: %w", id, n.name, err)
	}
	if !found {
		return Item{}, false, nil
	}
	n.cache.Add(id, item)
	return item, true, nil
}

func (n *badgerNamespace) Count(ctx context.Context) (int, error) {
	count := 0
	err := n.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", n.name, err)
	}
	return count, nil
}

func (n *badgerNamespace) Health(ctx context.Context) error {
	return n.db.View(func(txn *badger.Txn) error { return nil })
}

func (n *badgerNamespace) Close() error {
	return n.db.Close()
}

func matches(metadata map[string]string, filter Filter) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
