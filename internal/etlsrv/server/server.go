package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/common/httpx"
	"github.com/tansive/tabletenant/internal/common/logtrace"
	commonmiddleware "github.com/tansive/tabletenant/internal/common/middleware"
	"github.com/tansive/tabletenant/internal/etlsrv/datamanager"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
	"github.com/tansive/tabletenant/internal/etlsrv/etl"
	"github.com/tansive/tabletenant/internal/etlsrv/quota"
)

const (
	ServerVersion = "Tabletenant ETL Server: 0.1.0"
	ApiVersion    = "v1"
)

// DataService is the tenant facing surface served over HTTP. *datamanager.Manager is one.
type DataService interface {
	SubmitUpload(ctx context.Context, req datamanager.UploadRequest, body io.Reader) (uuid.UUID, error)
	GetSessionStatus(ctx context.Context, tenantID string, sessionID uuid.UUID) (*datamanager.SessionStatus, error)
	WaitSessionStatus(ctx context.Context, tenantID string, sessionID uuid.UUID, timeout time.Duration) (*datamanager.SessionStatus, error)
	ListTables(ctx context.Context, tenantID string) ([]datamanager.TableInfo, error)
	GetPreview(ctx context.Context, tenantID, table string, limit int) (*etl.Preview, error)
	DropTable(ctx context.Context, tenantID, table, confirm string) error
	TruncateTable(ctx context.Context, tenantID, table, confirm string) (int64, error)
	DeleteRows(ctx context.Context, tenantID, table string, req datamanager.DeleteRowsRequest) (int64, error)
	DropNamespace(ctx context.Context, tenantID, confirm string) error
	GetQuota(ctx context.Context, tenantID string, recalculate bool) (quota.Usage, error)
	GetQuotaWarnings(ctx context.Context, tenantID string) ([]string, error)
	ListAudit(ctx context.Context, tenantID string, limit int) ([]*models.AuditRecord, error)
}

type Options struct {
	HandleCORS    bool
	CORSOrigins   []string
	MaxFileSizeMB int64
}

type EtlServer struct {
	Router *chi.Mux
	svc    DataService
	opts   Options
}

func CreateNewServer(svc DataService, opts Options) (*EtlServer, error) {
	if svc == nil {
		return nil, fmt.Errorf("data service is required")
	}
	s := &EtlServer{svc: svc, opts: opts}
	s.Router = chi.NewRouter()
	return s, nil
}

func (s *EtlServer) MountHandlers() {
	s.Router.Use(commonmiddleware.RequestLogger)
	s.Router.Use(commonmiddleware.PanicHandler)
	if s.opts.HandleCORS {
		s.Router.Use(s.HandleCORS)
	}
	s.Router.Get("/version", s.getVersion)
	s.Router.Group(func(r chi.Router) {
		r.Use(TenantContext)
		for _, h := range s.handlers() {
			r.Method(h.Method, h.Path, httpx.WrapHttpRsp(h.Handler))
		}
	})
	if logtrace.IsTraceEnabled() {
		walkFunc := func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
			log.Trace().Str("method", method).Str("route", route).Msg("route")
			return nil
		}
		if err := chi.Walk(s.Router, walkFunc); err != nil {
			log.Trace().Err(err).Msg("unable to walk routes")
		}
	}
}

func (s *EtlServer) handlers() []httpx.ResponseHandlerParam {
	return []httpx.ResponseHandlerParam{
		{Method: http.MethodPost, Path: "/uploads", Handler: s.submitUpload},
		{Method: http.MethodGet, Path: "/uploads/{sessionID}", Handler: s.getUpload},
		{Method: http.MethodGet, Path: "/tables", Handler: s.listTables},
		{Method: http.MethodGet, Path: "/tables/{table}/preview", Handler: s.getPreview},
		{Method: http.MethodPost, Path: "/tables/{table}/delete-rows", Handler: s.deleteRows},
		{Method: http.MethodPost, Path: "/tables/{table}/truncate", Handler: s.truncateTable},
		{Method: http.MethodDelete, Path: "/tables/{table}", Handler: s.dropTable},
		{Method: http.MethodGet, Path: "/quota", Handler: s.getQuota},
		{Method: http.MethodGet, Path: "/quota/warnings", Handler: s.getQuotaWarnings},
		{Method: http.MethodGet, Path: "/audit", Handler: s.listAudit},
		{Method: http.MethodDelete, Path: "/namespace", Handler: s.dropNamespace},
	}
}

type GetVersionRsp struct {
	ServerVersion string `json:"serverVersion"`
	ApiVersion    string `json:"apiVersion"`
}

func (s *EtlServer) getVersion(w http.ResponseWriter, r *http.Request) {
	log.Ctx(r.Context()).Debug().Msg("GetVersion")
	rsp := &GetVersionRsp{
		ServerVersion: ServerVersion,
		ApiVersion:    ApiVersion,
	}
	httpx.SendJsonRsp(r.Context(), w, http.StatusOK, rsp)
}

func (s *EtlServer) HandleCORS(next http.Handler) http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "Accept-Encoding", "X-Tenant-ID"},
		ExposedHeaders:   []string{"Location", commonmiddleware.RequestIdHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})(next)
}
