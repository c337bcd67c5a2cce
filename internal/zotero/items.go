package zotero

import (
	"time"

	"github.com/scrypster/relink/pkg/types"
)

// apiItem is the Zotero JSON item envelope.
type apiItem struct {
	Key     string   `json:"key"`
	Version int      `json:"version"`
	Data    itemData `json:"data"`
}

type itemData struct {
	Key          string `json:"key"`
	Version      int    `json:"version"`
	ItemType     string `json:"itemType"`
	ParentItem   string `json:"parentItem,omitempty"`
	LinkMode     string `json:"linkMode,omitempty"`
	Title        string `json:"title"`
	Path         string `json:"path,omitempty"`
	URL          string `json:"url,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	DateModified string `json:"dateModified,omitempty"`
}

// reference converts an API item to the domain type. It does not validate:
// callers filter or inspect the raw record as they need.
func (it apiItem) reference() types.Reference {
	key := it.Key
	if key == "" {
		key = it.Data.Key
	}
	version := it.Version
	if version == 0 {
		version = it.Data.Version
	}

	mode := types.ParseLinkMode(it.Data.LinkMode)
	locator := it.Data.URL
	if mode == types.LinkModeFile {
		locator = it.Data.Path
	} else if locator == "" {
		locator = it.Data.Path
	}

	ref := types.Reference{
		ID:          key,
		ParentID:    it.Data.ParentItem,
		Version:     version,
		Mode:        mode,
		Title:       it.Data.Title,
		Locator:     locator,
		ContentType: it.Data.ContentType,
	}
	if t, err := time.Parse(time.RFC3339, it.Data.DateModified); err == nil {
		ref.DateModified = t
	}
	return ref
}

type newAttachment struct {
	ItemType    string         `json:"itemType"`
	ParentItem  string         `json:"parentItem"`
	LinkMode    string         `json:"linkMode"`
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	ContentType string         `json:"contentType,omitempty"`
	Tags        []any          `json:"tags"`
	Relations   map[string]any `json:"relations"`
}

type writeResponse struct {
	Successful map[string]struct {
		Key     string `json:"key"`
		Version int    `json:"version"`
	} `json:"successful"`
	Success   map[string]string `json:"success"`
	Unchanged map[string]string `json:"unchanged"`
	Failed    map[string]struct {
		Key     string `json:"key"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"failed"`
}
