// Package authz computes effective permission masks and makes allow/deny decisions.
package authz

import (
	"sort"

	"github.com/noah-isme/campus-api/internal/models"
)

// ComputeEffective ORs the permissions of every non-deleted role. When the union carries
// SuperAdmin the result is SuperAdmin alone.
func ComputeEffective(roles []models.Role) models.Permission {
	var union models.Permission
	for _, role := range roles {
		if role.IsDeleted {
			continue
		}
		union |= role.Permissions
	}
	if union&models.PermissionSuperAdmin != 0 {
		return models.PermissionSuperAdmin
	}
	return union
}

// PermissionMetadata describes a permission bit for presentation.
type PermissionMetadata struct {
	Key         string            `json:"key"`
	Bit         int               `json:"bit"`
	Value       models.Permission `json:"value"`
	Description string            `json:"description"`
}

// Metadata lists every named permission except None, ascending by bit index.
func Metadata() []PermissionMetadata {
	items := make([]PermissionMetadata, 0, len(models.PermissionCatalog))
	for _, def := range models.PermissionCatalog {
		if def.Value == models.PermissionNone {
			continue
		}
		items = append(items, PermissionMetadata{
			Key:         def.Key,
			Bit:         bitIndex(def.Value),
			Value:       def.Value,
			Description: def.Description,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Bit < items[j].Bit })
	return items
}

func bitIndex(p models.Permission) int {
	for i := 0; i < 64; i++ {
		if p&(1<<i) != 0 {
			return i
		}
	}
	return -1
}
