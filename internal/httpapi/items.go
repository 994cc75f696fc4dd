package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentworkforce/relaysync/internal/pagination"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request, env relaysync.Env, itemID, correlationID string) {
	item, err := env.Items().Resolve(r.Context(), itemID)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request, env relaysync.Env, itemID, correlationID string) {
	if err := env.Items().Delete(r.Context(), itemID); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request, env relaysync.Env, itemID, correlationID string) {
	item, err := env.Items().Resolve(r.Context(), itemID)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	etag := strconv.Quote(item.ContentSHA256)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.streamContent(w, r, env, item, correlationID)
}

func (s *Server) streamContent(w http.ResponseWriter, r *http.Request, env relaysync.Env, item relaysync.Item, correlationID string) {
	body, err := env.Items().SerializedContent(r.Context(), item)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", item.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(item.ContentSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream content aborted", "item", item.ID, "correlation_id", correlationID, "err", err)
	}
}

func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request, env relaysync.Env, itemID, correlationID string) {
	upload, err := s.spoolRequest(w, r)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	defer upload.Close()

	opts := relaysync.SaveOptions{ShareID: r.URL.Query().Get("share_id")}
	if ct := uploadMimeType(upload.ContentType); ct != "" {
		opts.MimeType = ct
	}
	item, err := env.Items().CreateOrReplace(r.Context(), itemID, upload, opts)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// spoolRequest stages the upload: the "file" part of a multipart form, or
// the raw body otherwise.
func (s *Server) spoolRequest(w http.ResponseWriter, r *http.Request) (*relaysync.Upload, error) {
	// Multipart framing adds a little on top of the payload itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.store.MaxUploadBytes()+64<<10)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		upload, err := s.store.SpoolUpload(r.Body)
		if err != nil {
			return nil, uploadError(err)
		}
		upload.ContentType = r.Header.Get("Content-Type")
		return upload, nil
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relaysync.ErrValidation, err)
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf(`%w: multipart body has no "file" part`, relaysync.ErrValidation)
		}
		if err != nil {
			return nil, uploadError(err)
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		upload, err := s.store.SpoolUpload(part)
		_ = part.Close()
		if err != nil {
			return nil, uploadError(err)
		}
		upload.Filename = part.FileName()
		upload.ContentType = part.Header.Get("Content-Type")
		return upload, nil
	}
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: %w: %v", relaysync.ErrValidation, relaysync.ErrTooLarge, err)
	}
	if errors.Is(err, relaysync.ErrValidation) || errors.Is(err, relaysync.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", relaysync.ErrValidation, err)
}

// uploadMimeType keeps a declared content type unless it is the generic
// default, in which case the type is detected from the item name.
func uploadMimeType(declared string) string {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil || mediaType == "application/octet-stream" || strings.HasPrefix(mediaType, "multipart/") {
		return ""
	}
	return mediaType
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request, env relaysync.Env, correlationID string) {
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), 0, 1, 1000)
	page, err := env.Changes().Delta(r.Context(), query.Get("cursor"), limit)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request, env relaysync.Env, itemID, correlationID string) {
	query := r.URL.Query()
	req, fields, err := parseListRequest(query.Get("order_by"), query.Get("order_dir"), query.Get("limit"), query.Get("cursor"), query.Get("fields"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	page, err := env.Items().Children(r.Context(), itemID, req, fields)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	if len(fields) == 0 {
		writeJSON(w, http.StatusOK, page)
		return
	}
	projected := make([]map[string]any, 0, len(page.Items))
	for _, item := range page.Items {
		projected = append(projected, projectItem(item, fields, req.Order.Field))
	}
	writeJSON(w, http.StatusOK, pagination.Page[map[string]any]{Items: projected, Cursor: page.Cursor, HasMore: page.HasMore})
}

func parseListRequest(orderBy, orderDir, rawLimit, cursor, rawFields string) (pagination.Request, []string, error) {
	req := pagination.Request{Cursor: strings.TrimSpace(cursor)}
	req.Order.Field = strings.TrimSpace(orderBy)
	if strings.TrimSpace(orderDir) != "" {
		dir, ok := pagination.ParseDirection(orderDir)
		if !ok {
			return pagination.Request{}, nil, errors.New("order_dir must be asc or desc")
		}
		req.Order.Dir = dir
	}
	limit, err := parseOptionalBoundedInt(rawLimit, 0, 1, 1000)
	if err != nil {
		return pagination.Request{}, nil, errors.New("limit must be between 1 and 1000")
	}
	req.Limit = limit
	var fields []string
	for _, f := range strings.Split(rawFields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return req, fields, nil
}

// projectItem renders only the requested columns, plus id and the sort
// column.
func projectItem(item relaysync.Item, fields []string, orderField string) map[string]any {
	out := map[string]any{"id": item.ID}
	for _, f := range append(append([]string(nil), fields...), orderField) {
		switch f {
		case "owner_id":
			out[f] = item.OwnerID
		case "name":
			out[f] = item.Name
		case "parent_id":
			out[f] = item.ParentID
		case "mime_type":
			out[f] = item.MimeType
		case "content_size":
			out[f] = item.ContentSize
		case "content_sha256":
			out[f] = item.ContentSHA256
		case "share_id":
			out[f] = item.ShareID
		case "created_time":
			out[f] = item.CreatedTime
		case "updated_time":
			out[f] = item.UpdatedTime
		}
	}
	return out
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, env relaysync.Env, itemID, correlationID string) {
	var body renameRequest
	if !s.decodeJSONBody(w, r, schemaRename, correlationID, &body) {
		return
	}
	item, err := env.Items().Rename(r.Context(), itemID, body.Name)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
