package httpapi

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/pagination"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const itemsPageHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaysync items</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 8px 10px; border-bottom: 1px solid var(--line); }
    th a { color: var(--ink); text-decoration: none; }
    th a.active { color: var(--accent); }
    td.num { font-variant-numeric: tabular-nums; }
    .pager { display: flex; justify-content: space-between; margin-top: 10px; }
    .danger { background: var(--danger); color: #fff; border: 0; border-radius: 10px; padding: 8px 12px; cursor: pointer; }
    .muted { color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Items</h1>
      <div class="sub">{{.UserID}} &middot; {{.Parent}}</div>
    </div>
    <div class="panel">
      <table>
        <thead>
          <tr>
            {{range .Columns}}<th><a href="{{.Href}}"{{if .Active}} class="active"{{end}}>{{.Label}}{{if .Active}} {{.Arrow}}{{end}}</a></th>{{end}}
          </tr>
        </thead>
        <tbody>
          {{range .Items}}
          <tr>
            <td><a href="/items/{{.ID}}/content">{{.Name}}</a></td>
            <td class="num">{{.ContentSize}}</td>
            <td>{{.MimeType}}</td>
            <td>{{formatMillis .UpdatedTime}}</td>
          </tr>
          {{else}}
          <tr><td colspan="4" class="muted">No items.</td></tr>
          {{end}}
        </tbody>
      </table>
      <div class="pager">
        <a href="{{.FirstHref}}">First page</a>
        {{if .NextHref}}<a href="{{.NextHref}}">Next page</a>{{end}}
      </div>
    </div>
    <div class="panel">
      <form method="post" action="/items/delete_all" onsubmit="return confirm('Delete every item?');">
        <input type="hidden" name="confirm" value="true" />
        <button class="danger" type="submit">Delete all items</button>
      </form>
    </div>
  </div>
</body>
</html>`

// sortableColumns are the columns the item table can be ordered by, in
// display order.
var sortableColumns = []struct {
	field string
	label string
}{
	{"name", "Name"},
	{"content_size", "Size"},
	{"mime_type", "Type"},
	{"updated_time", "Updated"},
}

type webTemplates struct {
	items *template.Template
}

func mustParseTemplates() *webTemplates {
	funcs := template.FuncMap{
		"formatMillis": func(ms int64) string {
			if ms == 0 {
				return ""
			}
			return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
		},
	}
	return &webTemplates{
		items: template.Must(template.New("items").Funcs(funcs).Parse(itemsPageHTML)),
	}
}

type webColumn struct {
	Label  string
	Href   string
	Active bool
	Arrow  string
}

type itemsPage struct {
	UserID    string
	Parent    string
	Columns   []webColumn
	Items     []relaysync.Item
	FirstHref string
	NextHref  string
}

// handleWeb serves the browser pages: the item table, user content and the
// delete-all form action.
func (s *Server) handleWeb(w http.ResponseWriter, r *http.Request, correlationID string) {
	path := strings.TrimPrefix(r.URL.Path, "/items")
	switch {
	case path == "" || path == "/":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not supported on this route", correlationID)
			return
		}
		s.handleItemsPage(w, r, correlationID)
	case path == "/delete_all":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not supported on this route", correlationID)
			return
		}
		s.handleDeleteAll(w, r, correlationID)
	default:
		itemID, sub := splitItemRoute(strings.TrimPrefix(path, "/"))
		if itemID == "" || sub != "content" {
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not supported on this route", correlationID)
			return
		}
		s.handleUserContent(w, r, itemID, correlationID)
	}
}

func (s *Server) handleItemsPage(w http.ResponseWriter, r *http.Request, correlationID string) {
	claims, ok := s.authorizeWeb(w, r, ScopeItemsRead, correlationID)
	if !ok {
		return
	}
	query := r.URL.Query()
	parent := strings.TrimSpace(query.Get("parent"))
	if parent == "" {
		parent = relaysync.RootID
	}
	orderBy := strings.TrimSpace(query.Get("order_by"))
	if orderBy == "" {
		orderBy = "name"
	}
	orderDir := strings.TrimSpace(query.Get("order_dir"))
	if orderDir == "" {
		orderDir = string(pagination.Asc)
	}
	req, _, err := parseListRequest(orderBy, orderDir, query.Get("limit"), query.Get("cursor"), "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	page, err := s.store.Env(claims.UserID).Items().Children(r.Context(), parent, req, nil)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}

	data := itemsPage{
		UserID:    claims.UserID,
		Parent:    parent,
		Items:     page.Items,
		FirstHref: itemsHref(parent, orderBy, orderDir, ""),
	}
	for _, col := range sortableColumns {
		dir := string(pagination.Asc)
		active := col.field == orderBy
		if active && orderDir == string(pagination.Asc) {
			dir = string(pagination.Desc)
		}
		arrow := "▲"
		if orderDir == string(pagination.Desc) {
			arrow = "▼"
		}
		data.Columns = append(data.Columns, webColumn{
			Label:  col.label,
			Href:   itemsHref(parent, col.field, dir, ""),
			Active: active,
			Arrow:  arrow,
		})
	}
	if page.HasMore {
		data.NextHref = itemsHref(parent, orderBy, orderDir, page.Cursor)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.pages.items.Execute(w, data); err != nil {
		s.logger.Error("render items page failed", "correlation_id", correlationID, "err", err)
	}
}

func itemsHref(parent, orderBy, orderDir, cursor string) string {
	values := url.Values{}
	if parent != "" && parent != relaysync.RootID {
		values.Set("parent", parent)
	}
	values.Set("order_by", orderBy)
	values.Set("order_dir", orderDir)
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	return "/items?" + values.Encode()
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request, correlationID string) {
	if !sameOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden", "cross-origin request rejected", correlationID)
		return
	}
	claims, ok := s.authorizeWeb(w, r, ScopeItemsWrite, correlationID)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid form body", correlationID)
		return
	}
	if r.PostForm.Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, "bad_request", "confirm=true is required", correlationID)
		return
	}
	deleted, err := s.store.Env(claims.UserID).Items().DeleteAll(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	s.logger.Info("delete all from web", "user", claims.UserID, "count", deleted, "correlation_id", correlationID)
	http.Redirect(w, r, "/items", http.StatusSeeOther)
}

// handleUserContent serves raw item bytes under a policy that keeps them
// from running as part of this origin.
func (s *Server) handleUserContent(w http.ResponseWriter, r *http.Request, itemID, correlationID string) {
	claims, ok := s.authorizeWeb(w, r, ScopeItemsRead, correlationID)
	if !ok {
		return
	}
	env := s.store.Env(claims.UserID)
	item, err := env.Items().Resolve(r.Context(), itemID)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	w.Header().Set("Content-Security-Policy", "sandbox; default-src 'none'; img-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-cache")
	if !strings.HasPrefix(item.MimeType, "image/") {
		w.Header().Set("Content-Disposition", contentDisposition(item.Name))
	}
	s.streamContent(w, r, env, item, correlationID)
}

func contentDisposition(name string) string {
	base := name
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if base == "" {
		return "attachment"
	}
	return "attachment; filename*=UTF-8''" + url.PathEscape(base)
}
