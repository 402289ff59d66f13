package server

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/common/httpx"
	"github.com/tansive/tabletenant/internal/etlsrv/common"
)

// TenantContext takes the tenant identity from the X-Tenant-ID header set by the
// authentication boundary and stores it in the request context.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(common.TenantHeader))
		if tenantID == "" || len(tenantID) > common.MaxTenantIdLength {
			httpx.ErrInvalidTenantId().Send(w)
			return
		}
		ctx := common.SetTenantIdInContext(r.Context(), tenantID)
		ctx = log.Ctx(ctx).With().Str("tenant_id", tenantID).Logger().WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
