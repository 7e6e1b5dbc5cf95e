package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle types handled by the server.
const (
	BundleTypeSearchset           = "searchset"
	BundleTypeHistory             = "history"
	BundleTypeTransaction         = "transaction"
	BundleTypeBatch               = "batch"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeBatchResponse       = "batch-response"
)

// Search entry modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
	IfMatch     string `json:"ifMatch,omitempty"`
}

type BundleResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	Etag         string            `json:"etag,omitempty"`
	LastModified *time.Time        `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	// BaseURL prefixes entry fullUrls; SearchURL (the type endpoint) prefixes
	// the paging links.
	BaseURL   string
	SearchURL string
	QueryStr  string
	Count     int
	Offset    int
	Total     int
}

// SearchEntry is one resource placed in a searchset.
type SearchEntry struct {
	Resource Resource
	Mode     string
}

// NewSearchBundle creates a searchset Bundle with fullUrls and pagination links.
func NewSearchBundle(entries []SearchEntry, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	out := make([]BundleEntry, 0, len(entries))
	for _, e := range entries {
		raw, _ := e.Resource.Marshal()
		out = append(out, BundleEntry{
			FullURL:  fullURL(params.BaseURL, e.Resource),
			Resource: raw,
			Search:   &BundleSearch{Mode: e.Mode},
		})
	}
	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeSearchset,
		Total:        &total,
		Timestamp:    &now,
		Link:         buildPaginationLinks(params),
		Entry:        out,
	}
}

// HistoryEntry is one version placed in a history bundle.
type HistoryEntry struct {
	Resource    Resource
	ResourceRef string
	VersionID   int
	Deleted     bool
	LastUpdated time.Time
}

// NewHistoryBundle creates a history Bundle, newest version first.
func NewHistoryBundle(entries []HistoryEntry, baseURL string) *Bundle {
	now := time.Now().UTC()
	out := make([]BundleEntry, 0, len(entries))
	for _, h := range entries {
		lm := h.LastUpdated
		entry := BundleEntry{
			FullURL: joinURL(baseURL, h.ResourceRef),
			Response: &BundleResponse{
				Status:       "200 OK",
				Etag:         FormatETag(h.VersionID),
				LastModified: &lm,
			},
		}
		if h.Deleted {
			entry.Request = &BundleRequest{Method: "DELETE", URL: h.ResourceRef}
			entry.Response.Status = "204 No Content"
		} else {
			entry.Resource, _ = h.Resource.Marshal()
			method := "PUT"
			if h.VersionID == 1 {
				method = "POST"
			}
			entry.Request = &BundleRequest{Method: method, URL: h.ResourceRef}
		}
		out = append(out, entry)
	}
	total := len(out)
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeHistory,
		Total:        &total,
		Timestamp:    &now,
		Entry:        out,
	}
}

// NewTransactionResponse creates a transaction-response Bundle from entry outcomes.
func NewTransactionResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeTransactionResponse,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewBatchResponse creates a batch-response Bundle from entry outcomes.
func NewBatchResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeBatchResponse,
		Timestamp:    &now,
		Entry:        entries,
	}
}

func fullURL(baseURL string, r Resource) string {
	if r.Type() == "" || r.ID() == "" {
		return ""
	}
	return joinURL(baseURL, r.Type()+"/"+r.ID())
}

func joinURL(baseURL, path string) string {
	if baseURL == "" {
		return path
	}
	return baseURL + "/" + path
}

// buildPaginationLinks creates self, first, next, previous and last links for
// searchset bundles.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	page := func(offset int) string {
		return fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.SearchURL, conditionalAmpersand(params.QueryStr), params.Count, offset)
	}
	links := []BundleLink{{Relation: "self", URL: page(params.Offset)}}
	if params.Count <= 0 {
		return links
	}

	links = append(links, BundleLink{Relation: "first", URL: page(0)})

	nextOffset := params.Offset + params.Count
	if nextOffset < params.Total {
		links = append(links, BundleLink{Relation: "next", URL: page(nextOffset)})
	}

	if params.Offset > 0 {
		prevOffset := params.Offset - params.Count
		if prevOffset < 0 {
			prevOffset = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: page(prevOffset)})
	}

	if params.Total > 0 {
		last := ((params.Total - 1) / params.Count) * params.Count
		links = append(links, BundleLink{Relation: "last", URL: page(last)})
	}

	return links
}

// conditionalAmpersand returns the query string with a trailing & if non-empty.
func conditionalAmpersand(qs string) string {
	if qs == "" {
		return ""
	}
	return qs + "&"
}
