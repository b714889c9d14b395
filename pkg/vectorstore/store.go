package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"vaultindex/pkg/apierr"
)

// Store owns the on-disk root under which every collection's vector
// namespace lives, one Badger directory per namespace, named with the
// spec.md §6 prefix "vault_<sanitized_name>".
type Store struct {
	root string

	mu         sync.Mutex
	namespaces map[string]*badgerNamespace
}

func NewStore(root string) *Store {
	return &Store{root: root, namespaces: map[string]*badgerNamespace{}}
}

var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func namespaceDir(root, collection string) string {
	sanitized := nameSanitizer.ReplaceAllString(collection, "_")
	return filepath.Join(root, "vault_"+sanitized)
}

// Create makes a fresh namespace. If one already exists and force is
// false, it returns a conflict error per spec.md §4.3's "already
// exists" rule; with force, the existing namespace is dropped first.
func (s *Store) Create(collection string, force bool) (Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := namespaceDir(s.root, collection)
	_, statErr := os.Stat(dir)
	exists := statErr == nil

	if exists && !force {
		return nil, apierr.Conflictf("vector namespace for %q already exists", collection)
	}
	if exists && force {
		if ns, open := s.namespaces[collection]; open {
			ns.Close()
			delete(s.namespaces, collection)
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("remove existing namespace %s: %w", dir, err)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create namespace dir %s: %w", dir, err)
	}
	ns, err := openNamespace(dir)
	if err != nil {
		return nil, err
	}
	s.namespaces[collection] = ns
	return ns, nil
}

// Open returns the existing namespace for collection, opening it from
// disk if it isn't already cached in-process.
func (s *Store) Open(collection string) (Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.namespaces[collection]; ok {
		return ns, nil
	}

	dir := namespaceDir(s.root, collection)
	if _, err := os.Stat(dir); err != nil {
		return nil, apierr.NotFoundf("vector namespace for %q does not exist", collection)
	}
	ns, err := openNamespace(dir)
	if err != nil {
		return nil, err
	}
	s.namespaces[collection] = ns
	return ns, nil
}

// Delete removes a collection's namespace entirely (used by the
// delete job handler, which removes the registry row afterwards).
func (s *Store) Delete(collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.namespaces[collection]; ok {
		ns.Close()
		delete(s.namespaces, collection)
	}
	dir := namespaceDir(s.root, collection)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove namespace dir %s: %w", dir, err)
	}
	return nil
}

// CloseAll closes every namespace opened by this process, for clean
// shutdown.
func (s *Store) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, ns := range s.namespaces {
		if err := ns.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close namespace %s: %w", name, err)
		}
	}
	s.namespaces = map[string]*badgerNamespace{}
	return firstErr
}
