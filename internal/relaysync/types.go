package relaysync

type Item struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	OwnerID       string `json:"owner_id,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	ContentSize   int64  `json:"content_size"`
	ContentSHA256 string `json:"content_sha256,omitempty"`
	ShareID       string `json:"share_id,omitempty"`
	CreatedTime   int64  `json:"created_time,omitempty"`
	UpdatedTime   int64  `json:"updated_time,omitempty"`

	contentKey string
}

func (it Item) IsRoot() bool {
	return it.ID == RootID
}

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

type Change struct {
	ID          int64      `json:"id"`
	ItemID      string     `json:"item_id"`
	ItemName    string     `json:"item_name"`
	Type        ChangeType `json:"type"`
	OwnerID     string     `json:"owner_id"`
	ShareID     string     `json:"share_id,omitempty"`
	UpdatedTime int64      `json:"updated_time"`
}

type DeltaPage struct {
	Items   []Change `json:"items"`
	Cursor  string   `json:"cursor"`
	HasMore bool     `json:"has_more"`
}

type Share struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"owner_id"`
	ItemID      string   `json:"item_id"`
	CreatedTime int64    `json:"created_time"`
	Recipients  []string `json:"recipients,omitempty"`
}

// SaveOptions tunes CreateOrReplace.
type SaveOptions struct {
	// ShareID places the item in that share. The actor must be allowed to
	// create items in it.
	ShareID string
	// MimeType overrides detection from the path extension.
	MimeType string
}

type CompactStats struct {
	Items   int   `json:"items"`
	Removed int64 `json:"removed"`
}
