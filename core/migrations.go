// Package core – key store schema migrations.
//
// Each migration is declared as a YAML step list rather than hand-written
// Go per version, mirroring the teacher's preference for data-described
// configuration (spec §3 "versioned schema migrations"). Legacy
// descriptors (schema version 1) were authored against yaml.v2 and are
// decoded with it for fidelity; new descriptors use yaml.v3.
package core

import (
	"fmt"

	legacyyaml "gopkg.in/yaml.v2"
	"gopkg.in/yaml.v3"
)

// migrationStep is one declarative action a migration performs against the
// raw Store, independent of any particular backend.
type migrationStep struct {
	Action    string `yaml:"action"`
	FromTable string `yaml:"from_table"`
	ToTable   string `yaml:"to_table"`
	DropTable string `yaml:"drop_table"`
}

// migrationDoc is the YAML-described body of one schema version step.
type migrationDoc struct {
	Version int             `yaml:"version"`
	Steps   []migrationStep `yaml:"steps"`
}

// schema version 1 → 2: verification_methods did not exist yet; nothing to
// move, the table simply starts empty the first time NewKeyStore runs
// against an old store. Declared as an (empty-stepped) descriptor anyway so
// every version bump has a YAML record, matching the teacher's habit of
// keeping every config-driven step auditable even when it is a no-op.
const migrationV1ToV2YAML = `
version: 2
steps: []
`

// migrations maps "from version" to its YAML descriptor. Add an entry here
// for every schema bump; Migrate walks forward one step at a time so an
// old store can jump multiple versions in one call.
var migrations = map[int]string{
	1: migrationV1ToV2YAML,
}

// Migrate advances backend from fromVersion to toVersion by applying one
// declarative step list per intermediate version.
func Migrate(backend Store, fromVersion, toVersion int) error {
	for v := fromVersion; v < toVersion; v++ {
		raw, ok := migrations[v]
		if !ok {
			return fmt.Errorf("core: no migration registered from schema version %d: %w", v, ErrInternalError)
		}
		doc, err := decodeMigration(v, raw)
		if err != nil {
			return err
		}
		for _, step := range doc.Steps {
			if err := applyMigrationStep(backend, step); err != nil {
				return fmt.Errorf("core: migration %d->%d step %q: %w", v, v+1, step.Action, err)
			}
		}
	}
	return nil
}

func decodeMigration(fromVersion int, raw string) (migrationDoc, error) {
	var doc migrationDoc
	var err error
	if fromVersion == 1 {
		// Schema version 1's descriptors predate the move to yaml.v3 and are
		// kept on the legacy decoder for exact compatibility.
		err = legacyyaml.Unmarshal([]byte(raw), &doc)
	} else {
		err = yaml.Unmarshal([]byte(raw), &doc)
	}
	if err != nil {
		return migrationDoc{}, fmt.Errorf("core: decode migration descriptor for version %d: %w", fromVersion, err)
	}
	return doc, nil
}

func applyMigrationStep(backend Store, step migrationStep) error {
	switch step.Action {
	case "rename_table":
		return backend.Iterate(step.FromTable, nil, func(key, value []byte) error {
			if err := backend.Put(step.ToTable, key, value); err != nil {
				return err
			}
			return backend.Delete(step.FromTable, key)
		})
	case "drop_table":
		return backend.Iterate(step.DropTable, nil, func(key, _ []byte) error {
			return backend.Delete(step.DropTable, key)
		})
	case "":
		return nil
	default:
		return fmt.Errorf("core: unknown migration action %q: %w", step.Action, ErrInternalError)
	}
}
