// ABOUTME: One-time migration from the legacy single-blob layout into the rich store
// ABOUTME: The legacy blob is removed only after its contents were written successfully

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/convo-studio/internal/kv"
)

// LegacyKey is the kv key of the pre-SQLite state blob.
const LegacyKey = "agents-state"

// legacyIDSpace namespaces ids derived for legacy agents saved without one.
var legacyIDSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/2389/convo-studio/legacy-agent"))

type legacyState struct {
	Agents    []*Agent `json:"agents"`
	CurrentID *string  `json:"currentId"`
}

// MigrationResult describes what MigrateLegacy did.
type MigrationResult struct {
	Migrated  bool // legacy contents were written and the blob removed
	Discarded bool // the legacy blob was corrupt and has been removed
	Agents    int  // agents written
}

// MigrateLegacy moves a legacy blob, if present, into the backend. It is a
// no-op in fallback mode, leaving the blob for a later session with the rich
// store. Running it again after success finds no blob and does nothing.
func (p *Persistence) MigrateLegacy(ctx context.Context) MigrationResult {
	if p.fallback || p.blobs == nil {
		return MigrationResult{}
	}

	raw, err := p.blobs.Get(LegacyKey)
	if errors.Is(err, kv.ErrNotFound) {
		return MigrationResult{}
	}
	if err != nil {
		p.logger.Warn("reading legacy state failed", "error", err)
		return MigrationResult{}
	}

	var legacy legacyState
	if err := json.Unmarshal(raw, &legacy); err != nil {
		p.logger.Warn("discarding corrupt legacy state", "error", err)
		if err := p.blobs.Remove(LegacyKey); err != nil {
			p.logger.Warn("removing legacy state failed", "error", err)
		}
		return MigrationResult{Discarded: true}
	}

	agents := make([]*Agent, 0, len(legacy.Agents))
	order := make([]string, 0, len(legacy.Agents))
	for i, a := range legacy.Agents {
		if a == nil {
			continue
		}
		if a.ID == "" {
			a.ID = legacyID(i, a)
		}
		if a.Messages == nil {
			a.Messages = []Message{}
		}
		agents = append(agents, a)
		order = append(order, a.ID)
	}

	meta, err := EncodeMeta(map[string]any{
		MetaCurrentID:  legacy.CurrentID,
		MetaAgentOrder: order,
	})
	if err != nil {
		p.logger.Warn("encoding legacy meta failed", "error", err)
		return MigrationResult{}
	}

	if err := p.backend.Apply(ctx, Batch{Save: agents, Meta: meta}); err != nil {
		p.logger.Warn("migrating legacy state failed, keeping legacy blob", "error", err)
		return MigrationResult{}
	}

	if err := p.blobs.Remove(LegacyKey); err != nil {
		// Contents are already in the store; a re-run will simply overwrite them.
		p.logger.Warn("removing legacy state failed", "error", err)
	}

	p.logger.Info("migrated legacy state", "agents", len(agents))
	return MigrationResult{Migrated: true, Agents: len(agents)}
}

// legacyID derives a stable id from the record's position and identity, so a
// re-run over the same blob overwrites instead of duplicating.
func legacyID(i int, a *Agent) string {
	return uuid.NewSHA1(legacyIDSpace, fmt.Appendf(nil, "%d\x00%s\x00%s", i, a.Name, a.Model)).String()
}
