package models

// MetadataFilter restricts retrieval to documents whose metadata field
// satisfies operator/value. Valid operators: eq, gt, lt, contains.
type MetadataFilter struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// ContextRequest is the POST /context payload of the RAG backend.
type ContextRequest struct {
	Query           string           `json:"query"`
	MaxChunks       int              `json:"max_chunks,omitempty"`
	FilterIDs       []string         `json:"filter_ids,omitempty"`
	GroupID         string           `json:"group_id,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	MetadataFilters []MetadataFilter `json:"metadata_filters,omitempty"`
}

// ContextResponse carries retrieved chunks with per-chunk relevance scores
// and the source files they came from. Chunks and scores are parallel slices.
type ContextResponse struct {
	Chunks []string      `json:"chunks"`
	Scores []float64     `json:"scores"`
	Files  []ContextFile `json:"files,omitempty"`
}

type ContextFile struct {
	ID       string                 `json:"id"`
	UserID   string                 `json:"user_id,omitempty"`
	GroupIDs []string               `json:"group_ids,omitempty"`
	TopScore float64                `json:"top_score,omitempty"`
	NChunks  int                    `json:"n_chunks,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// FileUploadResponse is returned by POST /files.
type FileUploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Status   string `json:"status,omitempty"`
}

// FileDeleteResponse is returned by DELETE /files/{id}.
type FileDeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// FileList is the GET /files envelope. Some deployments return a bare array
// instead; the client tolerates both.
type FileList struct {
	Files []map[string]interface{} `json:"files"`
}
