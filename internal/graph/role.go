// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package graph

// Role is the behavioral category of a node. Roles are derived from the
// node's class type; class types without a known role map to RoleUnknown and
// are never touched by role-based logic.
type Role string

const (
	RoleUnknown          Role = "unknown"
	RoleSampler          Role = "sampler"
	RoleTextEncoder      Role = "text-encoder"
	RoleCheckpointLoader Role = "checkpoint-loader"
	RoleLatentSizer      Role = "latent-sizer"
)

// Class types understood by the backend for each role.
const (
	ClassSampler          = "KSampler"
	ClassTextEncoder      = "CLIPTextEncode"
	ClassCheckpointLoader = "CheckpointLoaderSimple"
	ClassLatentSizer      = "EmptyLatentImage"
)

var classRoles = map[string]Role{
	ClassSampler:          RoleSampler,
	ClassTextEncoder:      RoleTextEncoder,
	ClassCheckpointLoader: RoleCheckpointLoader,
	ClassLatentSizer:      RoleLatentSizer,
}

// RoleOf returns the role for a class type.
func RoleOf(classType string) Role {
	if role, ok := classRoles[classType]; ok {
		return role
	}
	return RoleUnknown
}

// String implements fmt.Stringer.
func (r Role) String() string {
	return string(r)
}
