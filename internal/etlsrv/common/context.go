// Package common carries request scoped values shared by the service packages.
package common

import (
	"context"
)

type ctxTenantIdKeyType string

const ctxTenantIdKey ctxTenantIdKeyType = "EtlTenantId"

// TenantHeader carries the tenant identity established by the authentication boundary.
const TenantHeader = "X-Tenant-ID"

const MaxTenantIdLength = 128

// SetTenantIdInContext sets the tenant ID in the provided context.
func SetTenantIdInContext(ctx context.Context, tenantId string) context.Context {
	return context.WithValue(ctx, ctxTenantIdKey, tenantId)
}

// TenantIdFromContext retrieves the tenant ID from the provided context.
func TenantIdFromContext(ctx context.Context) string {
	if tenantId, ok := ctx.Value(ctxTenantIdKey).(string); ok {
		return tenantId
	}
	return ""
}

const DefaultConfigFile = "/etc/etlsrv/etlsrv.toml"
