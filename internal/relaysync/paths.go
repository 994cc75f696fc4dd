package relaysync

import (
	"mime"
	"path"
	"strings"
)

// RootID names the virtual root of a tenant.
const RootID = "root"

const maxNameLength = 1024

type pathKind int

const (
	pathRoot pathKind = iota
	pathName
	pathID
)

// ItemPath is a parsed item reference: the tenant root, a "root:/a/b:" name
// or a raw item id.
type ItemPath struct {
	kind pathKind
	Name string
	ID   string
}

func (p ItemPath) IsRoot() bool {
	return p.kind == pathRoot
}

func (p ItemPath) String() string {
	switch p.kind {
	case pathRoot:
		return RootID
	case pathName:
		return FormatPath(p.Name)
	default:
		return p.ID
	}
}

func FormatPath(name string) string {
	return "root:/" + name + ":"
}

func ParsePath(raw string) (ItemPath, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return ItemPath{}, validationf("empty item path")
	case raw == RootID:
		return ItemPath{kind: pathRoot}, nil
	case strings.HasPrefix(raw, "root:"):
		if !strings.HasPrefix(raw, "root:/") || !strings.HasSuffix(raw, ":") || len(raw) < len("root:/:") {
			return ItemPath{}, validationf("malformed item path %q", raw)
		}
		name := raw[len("root:/") : len(raw)-1]
		if name == "" {
			return ItemPath{kind: pathRoot}, nil
		}
		if err := validateName(name); err != nil {
			return ItemPath{}, err
		}
		return ItemPath{kind: pathName, Name: name}, nil
	default:
		if strings.ContainsAny(raw, "/:\\") || len(raw) > 64 {
			return ItemPath{}, validationf("malformed item id %q", raw)
		}
		return ItemPath{kind: pathID, ID: raw}, nil
	}
}

func validateName(name string) error {
	if len(name) > maxNameLength {
		return validationf("name exceeds %d bytes", maxNameLength)
	}
	if strings.ContainsAny(name, ":\\\x00") {
		return validationf("name %q contains a reserved character", name)
	}
	for _, segment := range strings.Split(name, "/") {
		switch segment {
		case "":
			return validationf("name %q has an empty segment", name)
		case ".", "..":
			return validationf("name %q contains a relative segment", name)
		}
	}
	return nil
}

// parentName returns the hierarchical parent of name, or "" at the top level.
func parentName(name string) string {
	dir := path.Dir(name)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func detectMimeType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case "":
		return "application/octet-stream"
	}
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}

// escapeLike escapes LIKE wildcards; queries use ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
