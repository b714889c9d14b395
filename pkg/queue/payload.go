package queue

import "encoding/json"

// IndexPayload/ReindexPayload/IncrementalPayload/DeletePayload are the
// tagged payload variants spec.md §9 calls for in place of an opaque
// map -- one Go struct per job kind, persisted as the job's
// PayloadJSON column.
type IndexPayload struct {
	SourcePath string `json:"source_path"`
}

type ReindexPayload struct {
	SourcePath string `json:"source_path"`
	Force      bool   `json:"force"`
}

type IncrementalPayload struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

type DeletePayload struct {
	Token string `json:"token"`
}

type ValidatePayload struct{}

// Progress is the job progress snapshot schema from spec.md §4.3.
type Progress struct {
	Percent          float64 `json:"percent"`
	CurrentFile      string  `json:"current_file,omitempty"`
	FilesProcessed   int     `json:"files_processed"`
	TotalFiles       int     `json:"total_files"`
	DocumentsCreated int     `json:"documents_created"`
	ChunksCreated    int     `json:"chunks_created"`
	ErrorsCount      int     `json:"errors_count"`
	LastError        string  `json:"last_error,omitempty"`
	EtaSeconds       int     `json:"eta_seconds,omitempty"`
}

func marshalPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalIncremental(data string) (IncrementalPayload, error) {
	var p IncrementalPayload
	if data == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(data), &p)
	return p, err
}

func marshalProgress(p Progress) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalProgress(data string) (Progress, error) {
	var p Progress
	if data == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(data), &p)
	return p, err
}
