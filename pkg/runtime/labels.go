package runtime

import "github.com/cuemby/bay/pkg/types"

// Platform-owned marker labels (§6.3). Containers carry the set built by
// ContainerLabels and volumes the smaller set built by VolumeLabels;
// OrphanContainerGC refuses to touch anything IsPlatformOwned rejects (a
// required label missing, or a differing instance_id).
const (
	LabelManaged    = "managed"
	LabelOwner      = "owner"
	LabelSandboxID  = "sandbox_id"
	LabelSessionID  = "session_id"
	LabelCargoID    = "cargo_id"
	LabelProfileID  = "profile_id"
	LabelInstanceID = "instance_id"
	LabelRuntimePort = "runtime_port"
)

// ContainerLabels builds the full platform label set for a container.
func ContainerLabels(spec CreateSpec) map[string]string {
	return map[string]string{
		LabelManaged:    "true",
		LabelOwner:      spec.OwnerID,
		LabelSandboxID:  spec.SandboxID,
		LabelSessionID:  spec.SessionID,
		LabelCargoID:    spec.CargoID,
		LabelProfileID:  spec.ProfileID,
		LabelInstanceID: spec.InstanceID,
	}
}

// VolumeLabels builds the platform label set for a cargo's backing volume.
func VolumeLabels(owner, cargoID string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelOwner:   owner,
		LabelCargoID: cargoID,
	}
}

// IsPlatformOwned reports whether a discovered runtime instance carries the
// complete required label set and matches the configured instance id. Any
// instance failing this check must never be touched by GC (invariant 5,
// testable property 7).
func IsPlatformOwned(inst types.RuntimeInstance, configuredInstanceID string) bool {
	required := []string{LabelManaged, LabelOwner, LabelSandboxID, LabelSessionID, LabelCargoID, LabelInstanceID}
	for _, k := range required {
		if _, ok := inst.Labels[k]; !ok {
			return false
		}
	}
	if inst.Labels[LabelManaged] != "true" {
		return false
	}
	return inst.Labels[LabelInstanceID] == configuredInstanceID
}
