package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	schemaShareCreate  = "https://relaysync.agentworkforce.dev/schemas/share-create.json"
	schemaShareUserAdd = "https://relaysync.agentworkforce.dev/schemas/share-user-add.json"
	schemaRename       = "https://relaysync.agentworkforce.dev/schemas/item-rename.json"
)

var requestSchemaSources = map[string]string{
	schemaShareCreate: `{
		"type": "object",
		"required": ["item"],
		"properties": {"item": {"type": "string", "minLength": 1, "maxLength": 1100}},
		"additionalProperties": false
	}`,
	schemaShareUserAdd: `{
		"type": "object",
		"required": ["user_id"],
		"properties": {"user_id": {"type": "string", "minLength": 1, "maxLength": 256}},
		"additionalProperties": false
	}`,
	schemaRename: `{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string", "pattern": "^root:/.+:$", "maxLength": 1100}},
		"additionalProperties": false
	}`,
}

type requestSchemas struct {
	compiled map[string]*jsonschema.Schema
}

func mustCompileSchemas() *requestSchemas {
	compiler := jsonschema.NewCompiler()
	for name, source := range requestSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			panic(fmt.Sprintf("parse schema %s: %v", name, err))
		}
		if err := compiler.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("add schema %s: %v", name, err))
		}
	}
	schemas := &requestSchemas{compiled: map[string]*jsonschema.Schema{}}
	for name := range requestSchemaSources {
		sch, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("compile schema %s: %v", name, err))
		}
		schemas.compiled[name] = sch
	}
	return schemas
}

func (s *requestSchemas) validate(name string, body []byte) error {
	sch, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

type shareCreateRequest struct {
	Item string `json:"item"`
}

type shareUserAddRequest struct {
	UserID string `json:"user_id"`
}

// handleShares serves /api/shares, /api/shares/{id},
// /api/shares/{id}/users and /api/shares/{id}/users/{user}.
func (s *Server) handleShares(w http.ResponseWriter, r *http.Request, correlationID string) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/shares"), "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		parts = nil
	}

	var requiredScope string
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet,
		len(parts) == 1 && r.Method == http.MethodGet:
		requiredScope = ScopeItemsRead
	case len(parts) == 0 && r.Method == http.MethodPost,
		len(parts) == 2 && parts[1] == "users" && r.Method == http.MethodPost,
		len(parts) == 3 && parts[1] == "users" && r.Method == http.MethodDelete:
		requiredScope = ScopeSharesWrite
	case len(parts) <= 1, len(parts) <= 3 && parts[1] == "users":
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not supported on this route", correlationID)
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, ok := s.authorize(w, r, requiredScope, correlationID)
	if !ok {
		return
	}
	shares := s.store.Env(claims.UserID).Shares()
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		list, err := shares.List(ctx)
		if err != nil {
			s.writeStoreError(w, r, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"shares": list})
	case len(parts) == 0:
		var body shareCreateRequest
		if !s.decodeJSONBody(w, r, schemaShareCreate, correlationID, &body) {
			return
		}
		share, err := shares.Create(ctx, body.Item)
		if err != nil {
			s.writeStoreError(w, r, err, correlationID)
			return
		}
		writeJSON(w, http.StatusCreated, share)
	case len(parts) == 1:
		share, err := shares.Get(ctx, parts[0])
		if err != nil {
			s.writeStoreError(w, r, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, share)
	case len(parts) == 2:
		var body shareUserAddRequest
		if !s.decodeJSONBody(w, r, schemaShareUserAdd, correlationID, &body) {
			return
		}
		if err := shares.AddRecipient(ctx, parts[0], body.UserID); err != nil {
			s.writeStoreError(w, r, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		if err := shares.RemoveRecipient(ctx, parts[0], parts[2]); err != nil {
			s.writeStoreError(w, r, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
