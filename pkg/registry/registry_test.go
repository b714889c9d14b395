package registry

import (
	"os"
	"path/filepath"
	"testing"

	"vaultindex/pkg/apierr"
	"vaultindex/pkg/config"
	"vaultindex/pkg/tokens"
	"vaultindex/pkg/vectorstore"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	store := vectorstore.NewStore(filepath.Join(dir, "vectors"))
	issuer := tokens.NewIssuer([]byte("test"))
	reg, err := Open(filepath.Join(dir, "collections.db"), store, issuer)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return reg, dir
}

func makeVaultDir(t *testing.T, root, name string) string {
	t.Helper()
	vaultPath := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(vaultPath, ".obsidian"), 0755); err != nil {
		t.Fatal(err)
	}
	return vaultPath
}

func TestCreate_ValidatesNameAndPath(t *testing.T) {
	reg, dir := newTestRegistry(t)

	if _, err := reg.Create("bad name!", dir, "", config.Collection{}); apierr.CodeOf(err) != apierr.InvalidArgument {
		t.Fatalf("expected invalid_argument for bad name, got %v", err)
	}

	vaultPath := makeVaultDir(t, dir, "vault_a")
	col, err := reg.Create("vault_a", vaultPath, "test vault", config.Collection{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if col.StoredStatus != StoredCreated || col.HealthStatus != HealthUnknown {
		t.Fatalf("unexpected initial status: %+v", col)
	}
}

func TestCreate_RejectsMissingObsidianMarker(t *testing.T) {
	reg, dir := newTestRegistry(t)
	noMarker := filepath.Join(dir, "no_marker")
	if err := os.MkdirAll(noMarker, 0755); err != nil {
		t.Fatal(err)
	}
	_, err := reg.Create("vault_x", noMarker, "", config.Collection{})
	if apierr.CodeOf(err) != apierr.InvalidArgument {
		t.Fatalf("expected invalid_argument for missing .obsidian marker, got %v", err)
	}
}

func TestCreate_DuplicateNameConflicts(t *testing.T) {
	reg, dir := newTestRegistry(t)
	vaultPath := makeVaultDir(t, dir, "vault_a")
	if _, err := reg.Create("vault_a", vaultPath, "", config.Collection{}); err != nil {
		t.Fatal(err)
	}
	_, err := reg.Create("vault_a", vaultPath, "", config.Collection{})
	if apierr.CodeOf(err) != apierr.Conflict {
		t.Fatalf("expected conflict for duplicate name, got %v", err)
	}
}

func TestDerivedStatus_ReflectsActiveJob(t *testing.T) {
	reg, dir := newTestRegistry(t)
	vaultPath := makeVaultDir(t, dir, "vault_a")
	if _, err := reg.Create("vault_a", vaultPath, "", config.Collection{}); err != nil {
		t.Fatal(err)
	}

	active := func(name string) (string, bool) { return "reindex", true }
	col, err := reg.Get("vault_a", active)
	if err != nil {
		t.Fatal(err)
	}
	if col.Status != "reindexing" {
		t.Fatalf("expected derived status reindexing, got %s", col.Status)
	}

	col2, err := reg.Get("vault_a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if col2.Status != StoredCreated {
		t.Fatalf("expected stored status fallback, got %s", col2.Status)
	}
}

func TestApplyJobResult_SuccessSetsCountersAndHealth(t *testing.T) {
	reg, dir := newTestRegistry(t)
	vaultPath := makeVaultDir(t, dir, "vault_a")
	if _, err := reg.Create("vault_a", vaultPath, "", config.Collection{}); err != nil {
		t.Fatal(err)
	}

	err := reg.ApplyJobResult("vault_a", Outcome{Kind: "index", Success: true, DocumentCount: 3, ChunkCount: 6})
	if err != nil {
		t.Fatalf("apply job result: %v", err)
	}

	col, err := reg.Get("vault_a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if col.DocumentCount != 3 {
		t.Fatalf("expected document_count 3, got %d", col.DocumentCount)
	}
	if col.SizeBytes != 3*PerDocBytes {
		t.Fatalf("expected size_bytes %d, got %d", 3*PerDocBytes, col.SizeBytes)
	}
	if col.HealthStatus != HealthHealthy {
		t.Fatalf("expected healthy status, got %s", col.HealthStatus)
	}
	if col.StoredStatus != StoredActive {
		t.Fatalf("expected active stored status, got %s", col.StoredStatus)
	}
}

func TestApplyJobResult_EmptyDocumentCountIsHealthEmpty(t *testing.T) {
	reg, dir := newTestRegistry(t)
	vaultPath := makeVaultDir(t, dir, "vault_a")
	if _, err := reg.Create("vault_a", vaultPath, "", config.Collection{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.ApplyJobResult("vault_a", Outcome{Kind: "index", Success: true, DocumentCount: 0}); err != nil {
		t.Fatal(err)
	}
	col, err := reg.Get("vault_a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if col.HealthStatus != HealthEmpty {
		t.Fatalf("expected empty health status, got %s", col.HealthStatus)
	}
}

func TestApplyJobResult_FailureSetsErrorStatus(t *testing.T) {
	reg, dir := newTestRegistry(t)
	vaultPath := makeVaultDir(t, dir, "vault_a")
	if _, err := reg.Create("vault_a", vaultPath, "", config.Collection{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.ApplyJobResult("vault_a", Outcome{Kind: "index", Success: false, ErrorMessage: "disk full"}); err != nil {
		t.Fatal(err)
	}
	col, err := reg.Get("vault_a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if col.StoredStatus != StoredError || col.HealthStatus != HealthError || col.LastError != "disk full" {
		t.Fatalf("unexpected failure state: %+v", col)
	}
}

func TestDeletionToken_SingleUseFailClosed(t *testing.T) {
	reg, dir := newTestRegistry(t)
	vaultPath := makeVaultDir(t, dir, "vault_a")
	if _, err := reg.Create("vault_a", vaultPath, "", config.Collection{}); err != nil {
		t.Fatal(err)
	}

	token, _, err := reg.IssueDeletionToken("vault_a")
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.ValidateDeletionToken("vault_a", token); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if err := reg.ValidateDeletionToken("vault_a", token); apierr.CodeOf(err) != apierr.PreconditionFailed {
		t.Fatalf("expected precondition_failed on reuse, got %v", err)
	}
	if err := reg.ValidateDeletionToken("vault_a", "garbage"); apierr.CodeOf(err) != apierr.PreconditionFailed {
		t.Fatalf("expected precondition_failed for garbage token, got %v", err)
	}
}

func TestList_PaginatesOrderedByUpdatedAtDesc(t *testing.T) {
	reg, dir := newTestRegistry(t)
	for _, name := range []string{"vault_a", "vault_b", "vault_c"} {
		vaultPath := makeVaultDir(t, dir, name)
		if _, err := reg.Create(name, vaultPath, "", config.Collection{}); err != nil {
			t.Fatal(err)
		}
	}

	items, meta, err := reg.List(1, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items on page 1, got %d", len(items))
	}
	if meta.TotalItems != 3 || !meta.HasNext || meta.HasPrevious {
		t.Fatalf("unexpected page meta: %+v", meta)
	}
	if items[0].UpdatedAt.Before(items[1].UpdatedAt) {
		t.Fatalf("expected updated_at DESC order, got %v before %v", items[0].UpdatedAt, items[1].UpdatedAt)
	}
}
