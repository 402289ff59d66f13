package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tansive/tabletenant/internal/common/httpx"
	"github.com/tansive/tabletenant/internal/etlsrv/common"
	"github.com/tansive/tabletenant/internal/etlsrv/datamanager"
	"github.com/tansive/tabletenant/internal/etlsrv/db/models"
)

// multipart bodies above this stay on disk while the request is parsed
const multipartMemory = 8 << 20

type SubmitUploadRsp struct {
	SessionID uuid.UUID `json:"sessionId"`
}

func (s *EtlServer) submitUpload(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	if s.opts.MaxFileSizeMB > 0 {
		// leave room for the form fields around the file
		r.Body = http.MaxBytesReader(nil, r.Body, (s.opts.MaxFileSizeMB+1)<<20)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, httpx.ErrRequestTooLarge()
		}
		return nil, httpx.ErrUnableToParseReqData()
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, httpx.ErrInvalidRequest("missing file")
	}
	defer file.Close()

	req := datamanager.UploadRequest{
		TenantID:        common.TenantIdFromContext(ctx),
		Filename:        header.Filename,
		DeclaredSize:    header.Size,
		TargetTable:     strings.TrimSpace(r.FormValue("table")),
		Operation:       models.Operation(strings.ToLower(strings.TrimSpace(r.FormValue("operation")))),
		ConflictColumns: splitList(r.MultipartForm.Value["conflict_columns"]),
	}
	sessionID, err := s.svc.SubmitUpload(ctx, req, file)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{
		StatusCode: http.StatusAccepted,
		Location:   "/uploads/" + sessionID.String(),
		Response:   &SubmitUploadRsp{SessionID: sessionID},
	}, nil
}

// splitList accepts both repeated fields and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *EtlServer) getUpload(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		return nil, httpx.ErrInvalidSessionId()
	}
	var status *datamanager.SessionStatus
	if wait := r.URL.Query().Get("wait"); wait != "" {
		d, err := time.ParseDuration(wait)
		if err != nil || d < 0 {
			return nil, httpx.ErrInvalidRequest("invalid wait duration")
		}
		status, err = s.svc.WaitSessionStatus(ctx, common.TenantIdFromContext(ctx), sessionID, d)
		if err != nil {
			return nil, err
		}
	} else {
		status, err = s.svc.GetSessionStatus(ctx, common.TenantIdFromContext(ctx), sessionID)
		if err != nil {
			return nil, err
		}
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: status}, nil
}

func (s *EtlServer) listTables(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	tables, err := s.svc.ListTables(ctx, common.TenantIdFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: map[string]any{"tables": tables}}, nil
}

func intQuery(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, httpx.ErrInvalidRequest("invalid " + name)
	}
	return n, nil
}

func (s *EtlServer) getPreview(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	limit, err := intQuery(r, "limit")
	if err != nil {
		return nil, err
	}
	preview, err := s.svc.GetPreview(ctx, common.TenantIdFromContext(ctx), chi.URLParam(r, "table"), limit)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: preview}, nil
}

type confirmReq struct {
	Confirm string `json:"confirm"`
}

type rowsAffectedRsp struct {
	RowsAffected int64 `json:"rowsAffected"`
}

func (s *EtlServer) truncateTable(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	var req confirmReq
	if err := httpx.GetRequestData(r, &req); err != nil {
		return nil, err
	}
	n, err := s.svc.TruncateTable(ctx, common.TenantIdFromContext(ctx), chi.URLParam(r, "table"), req.Confirm)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: &rowsAffectedRsp{RowsAffected: n}}, nil
}

func (s *EtlServer) deleteRows(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	if r.Body == nil || r.Body == http.NoBody {
		return nil, httpx.ErrUnableToParseReqData()
	}
	var req datamanager.DeleteRowsRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, httpx.ErrUnableToParseReqData()
	}
	ids, err := normalizeIDs(req.IDs)
	if err != nil {
		return nil, err
	}
	req.IDs = ids
	n, err := s.svc.DeleteRows(ctx, common.TenantIdFromContext(ctx), chi.URLParam(r, "table"), req)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: &rowsAffectedRsp{RowsAffected: n}}, nil
}

// normalizeIDs keeps integral JSON numbers as int64 so they bind to integer keys.
func normalizeIDs(ids []any) ([]any, error) {
	out := make([]any, len(ids))
	for i, id := range ids {
		switch v := id.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out[i] = n
			} else if f, err := v.Float64(); err == nil {
				out[i] = f
			} else {
				return nil, httpx.ErrInvalidRequest("invalid id " + v.String())
			}
		case string, bool:
			out[i] = v
		default:
			return nil, httpx.ErrInvalidRequest("ids must be numbers, strings or booleans")
		}
	}
	return out, nil
}

func (s *EtlServer) dropTable(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	table := chi.URLParam(r, "table")
	if err := s.svc.DropTable(ctx, common.TenantIdFromContext(ctx), table, r.URL.Query().Get("confirm")); err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: map[string]any{"dropped": table}}, nil
}

func (s *EtlServer) getQuota(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	recalculate, _ := strconv.ParseBool(r.URL.Query().Get("recalculate"))
	usage, err := s.svc.GetQuota(ctx, common.TenantIdFromContext(ctx), recalculate)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: usage}, nil
}

func (s *EtlServer) getQuotaWarnings(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	warnings, err := s.svc.GetQuotaWarnings(ctx, common.TenantIdFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: map[string]any{"warnings": warnings}}, nil
}

type auditEntry struct {
	AuditID      int64           `json:"auditId"`
	Operation    string          `json:"operation"`
	Table        string          `json:"table"`
	Success      bool            `json:"success"`
	RowsAffected int64           `json:"rowsAffected"`
	Error        string          `json:"error,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (s *EtlServer) listAudit(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	limit, err := intQuery(r, "limit")
	if err != nil {
		return nil, err
	}
	records, err := s.svc.ListAudit(ctx, common.TenantIdFromContext(ctx), limit)
	if err != nil {
		return nil, err
	}
	entries := make([]auditEntry, 0, len(records))
	for _, rec := range records {
		e := auditEntry{
			AuditID:      rec.AuditID,
			Operation:    rec.Operation,
			Table:        rec.TableName,
			Success:      rec.Success,
			RowsAffected: rec.RowsAffected,
			Error:        rec.ErrorMessage,
			CreatedAt:    rec.CreatedAt,
		}
		if len(rec.Details.Bytes) > 0 {
			e.Details = json.RawMessage(rec.Details.Bytes)
		}
		entries = append(entries, e)
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: map[string]any{"records": entries}}, nil
}

func (s *EtlServer) dropNamespace(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	if err := s.svc.DropNamespace(ctx, common.TenantIdFromContext(ctx), r.URL.Query().Get("confirm")); err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: map[string]any{"dropped": true}}, nil
}
