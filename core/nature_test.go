package core

import (
	"errors"
	"testing"
)

func TestKnownNature(t *testing.T) {
	if !KnownNature(NatureDeviceCreationV3) {
		t.Fatalf("expected NatureDeviceCreationV3 to be known")
	}
	if KnownNature(Nature(999999)) {
		t.Fatalf("expected an unassigned nature value to be unknown")
	}
}

func TestNatureKindAndVersion(t *testing.T) {
	kind, err := NatureKind(NatureDeviceCreationV2)
	if err != nil {
		t.Fatalf("NatureKind: %v", err)
	}
	if kind != "device_creation" {
		t.Fatalf("expected kind device_creation, got %q", kind)
	}
	version, err := NatureVersion(NatureDeviceCreationV2)
	if err != nil {
		t.Fatalf("NatureVersion: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
}

func TestNatureKindUnknownFails(t *testing.T) {
	if _, err := NatureKind(Nature(999999)); !errors.Is(err, ErrUpgradeRequired) {
		t.Fatalf("expected ErrUpgradeRequired, got %v", err)
	}
}

// TestPreferredNatureIsHighestVersion pins the catalog invariant that the
// writer always emits the highest-version member of a kind's family.
func TestPreferredNatureIsHighestVersion(t *testing.T) {
	cases := map[string]Nature{
		"device_creation":      NatureDeviceCreationV3,
		"device_revocation":    NatureDeviceRevocationV2,
		"user_group_creation":  NatureUserGroupCreationV3,
		"user_group_addition":  NatureUserGroupAdditionV3,
		"key_publish_to_user":  NatureKeyPublishToUser,
	}
	for kind, want := range cases {
		got, err := PreferredNature(kind)
		if err != nil {
			t.Fatalf("PreferredNature(%q): %v", kind, err)
		}
		if got != want {
			t.Fatalf("PreferredNature(%q) = %v, want %v", kind, got, want)
		}
	}
}

func TestPreferredNatureUnknownKind(t *testing.T) {
	if _, err := PreferredNature("no_such_kind"); !errors.Is(err, ErrInternalError) {
		t.Fatalf("expected ErrInternalError, got %v", err)
	}
}
