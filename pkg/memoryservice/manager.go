package memoryservice

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxTitleAttempts bounds the deterministic suffix search before falling
// back to a random suffix.
const maxTitleAttempts = 5

// Manager resolves shared vaults and per-question memories, tolerating the
// races that come from many workers provisioning at once.
type Manager struct {
	log    logrus.FieldLogger
	client Client
}

// NewManager creates a Manager on top of a service client.
func NewManager(log logrus.FieldLogger, client Client) *Manager {
	return &Manager{
		log:    log.WithField("component", "memorymanager"),
		client: client,
	}
}

// EnsureVault returns the vault with the given title, creating it if
// needed. When two workers race to create the same title, the loser's
// duplicate error resolves by re-listing.
func (m *Manager) EnsureVault(ctx context.Context, title string) (*Vault, error) {
	vault, err := m.findVault(ctx, title)
	if err != nil {
		return nil, err
	}

	if vault != nil {
		return vault, nil
	}

	created, err := m.client.CreateVault(ctx, title)
	if err == nil {
		m.log.WithFields(logrus.Fields{
			"vault_id": created.ID,
			"title":    title,
		}).Info("Created vault")

		return created, nil
	}

	if !IsDuplicate(err) {
		return nil, fmt.Errorf("creating vault %q: %w", title, err)
	}

	// Another worker won the race; its vault is the shared one.
	vault, lookupErr := m.findVault(ctx, title)
	if lookupErr != nil {
		return nil, lookupErr
	}

	if vault == nil {
		return nil, fmt.Errorf("vault %q reported duplicate but not found on re-list", title)
	}

	return vault, nil
}

func (m *Manager) findVault(ctx context.Context, title string) (*Vault, error) {
	vaults, err := m.client.ListVaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing vaults: %w", err)
	}

	for i := range vaults {
		if vaults[i].Title == title {
			return &vaults[i], nil
		}
	}

	return nil, nil //nolint:nilnil // absence is not an error here.
}

// EnsureMemory creates a fresh memory for a question. An existing memory
// with the same title is never reused: stale entries from an abandoned
// attempt would contaminate the replay, so duplicates get a new title with
// a deterministic suffix, then a random one.
func (m *Manager) EnsureMemory(ctx context.Context, vaultID, title string) (*Memory, error) {
	for attempt := 1; attempt <= maxTitleAttempts; attempt++ {
		candidate := title
		if attempt > 1 {
			candidate = fmt.Sprintf("%s__%d", title, attempt)
		}

		memory, err := m.client.CreateMemory(ctx, vaultID, candidate)
		if err == nil {
			if candidate != title {
				m.log.WithFields(logrus.Fields{
					"title":    candidate,
					"original": title,
				}).Warn("Memory title taken, created under suffixed title")
			}

			return memory, nil
		}

		if !IsDuplicate(err) {
			return nil, fmt.Errorf("creating memory %q: %w", candidate, err)
		}
	}

	// Deterministic suffixes exhausted; one last shot with a unique title.
	candidate := fmt.Sprintf("%s__%s", title, uuid.NewString()[:8])

	memory, err := m.client.CreateMemory(ctx, vaultID, candidate)
	if err != nil {
		return nil, fmt.Errorf("creating memory %q after exhausting title suffixes: %w", candidate, err)
	}

	return memory, nil
}
