package memoryservice

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient implements Client in memory for manager tests.
type fakeClient struct {
	Client

	vaults    []Vault
	memories  map[string]bool // titles already taken
	created   []string
	attempts  []string
	failVault bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{memories: map[string]bool{}}
}

func (f *fakeClient) ListVaults(_ context.Context) ([]Vault, error) {
	return f.vaults, nil
}

func (f *fakeClient) CreateVault(_ context.Context, title string) (*Vault, error) {
	if f.failVault {
		return nil, fmt.Errorf("creating vault: %w", ErrDuplicate)
	}

	for _, v := range f.vaults {
		if v.Title == title {
			return nil, fmt.Errorf("creating vault: %w", ErrDuplicate)
		}
	}

	vault := Vault{ID: "vault-" + title, Title: title}
	f.vaults = append(f.vaults, vault)

	return &vault, nil
}

func (f *fakeClient) CreateMemory(_ context.Context, vaultID, title string) (*Memory, error) {
	f.attempts = append(f.attempts, title)

	if f.memories[title] {
		return nil, fmt.Errorf("creating memory: %w", ErrDuplicate)
	}

	f.memories[title] = true
	f.created = append(f.created, title)

	return &Memory{ID: "mem-" + title, VaultID: vaultID, Title: title}, nil
}

func testManager(c Client) *Manager {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewManager(log, c)
}

func TestEnsureVault_CreatesWhenAbsent(t *testing.T) {
	fake := newFakeClient()
	m := testManager(fake)

	vault, err := m.EnsureVault(context.Background(), "longmemeval")
	require.NoError(t, err)
	assert.Equal(t, "longmemeval", vault.Title)

	// Second call finds the existing vault instead of creating again.
	again, err := m.EnsureVault(context.Background(), "longmemeval")
	require.NoError(t, err)
	assert.Equal(t, vault.ID, again.ID)
	assert.Len(t, fake.vaults, 1)
}

func TestEnsureVault_DuplicateRaceResolvesByRelist(t *testing.T) {
	fake := newFakeClient()
	// Simulate losing the create race: create always reports duplicate,
	// and the winner's vault shows up on the next list.
	fake.failVault = true
	fake.vaults = []Vault{}
	m := testManager(fake)

	_, err := m.EnsureVault(context.Background(), "longmemeval")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found on re-list")

	fake.vaults = []Vault{{ID: "vault-x", Title: "longmemeval"}}

	vault, err := m.EnsureVault(context.Background(), "longmemeval")
	require.NoError(t, err)
	assert.Equal(t, "vault-x", vault.ID)
}

func TestEnsureMemory_FreshTitle(t *testing.T) {
	fake := newFakeClient()
	m := testManager(fake)

	memory, err := m.EnsureMemory(context.Background(), "vault-1", "q-001")
	require.NoError(t, err)
	assert.Equal(t, "q-001", memory.Title)
}

func TestEnsureMemory_SuffixesOnDuplicate(t *testing.T) {
	fake := newFakeClient()
	fake.memories["q-001"] = true
	fake.memories["q-001__2"] = true
	m := testManager(fake)

	memory, err := m.EnsureMemory(context.Background(), "vault-1", "q-001")
	require.NoError(t, err)

	// Never reuses a taken title; walks the deterministic suffixes.
	assert.Equal(t, "q-001__3", memory.Title)
}

func TestEnsureMemory_FallsBackToRandomSuffix(t *testing.T) {
	fake := newFakeClient()
	fake.memories["q-001"] = true
	for i := 2; i <= maxTitleAttempts; i++ {
		fake.memories[fmt.Sprintf("q-001__%d", i)] = true
	}

	m := testManager(fake)

	memory, err := m.EnsureMemory(context.Background(), "vault-1", "q-001")
	require.NoError(t, err)
	assert.Regexp(t, `^q-001__[0-9a-f]{8}$`, memory.Title)

	// Exactly the deterministic walk, then the random title: no extra
	// suffix is tried past the last bounded attempt.
	require.Len(t, fake.attempts, maxTitleAttempts+1)
	assert.Equal(t, []string{"q-001", "q-001__2", "q-001__3", "q-001__4", "q-001__5"},
		fake.attempts[:maxTitleAttempts])
}
