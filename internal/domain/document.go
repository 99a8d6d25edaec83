// Package domain holds the shared data types for documents, index state,
// vector records, and chat sessions/messages described by the spec's data
// model.
package domain

import "time"

// DocumentKind classifies a Document row. Only Note and Uploaded are
// indexable; Folder documents are containers and never enter the index.
type DocumentKind string

const (
	DocumentKindNote     DocumentKind = "note"
	DocumentKindUploaded DocumentKind = "uploaded"
	DocumentKindFolder   DocumentKind = "folder"
)

// Indexable reports whether documents of this kind are eligible for
// indexing at all.
func (k DocumentKind) Indexable() bool {
	return k == DocumentKindNote || k == DocumentKindUploaded
}

// IndexStatus is the status literal stored in rag_index_status.
type IndexStatus string

const (
	IndexStatusPending  IndexStatus = "pending"
	IndexStatusIndexing IndexStatus = "indexing"
	IndexStatusComplete IndexStatus = "completed"
	IndexStatusFailed   IndexStatus = "failed"
	IndexStatusTimeout  IndexStatus = "timeout"
)

// IndexState tracks the asynchronous indexing lifecycle of a Document.
// Invariant: Status == Indexing implies TaskUUID != nil and StartedAt set.
// Invariant: Status in {Completed, Failed, Timeout} implies CompletedAt set.
type IndexState struct {
	Status      IndexStatus
	TaskUUID    *string
	WorkerID    *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
}

// Document is a single knowledge-base document owned by a user.
type Document struct {
	ID         string
	UserID     string
	KBID       string
	FolderID   *string
	Name       string
	Content    string
	Kind       DocumentKind
	IndexState IndexState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
