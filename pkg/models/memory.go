package models

import (
	"time"
)

// MemoryScope partitions memory rows by visibility.
type MemoryScope string

const (
	// MemoryScopeUser rows belong to one subject within a group.
	MemoryScopeUser MemoryScope = "user"
	// MemoryScopeGroup rows are visible to the whole group.
	MemoryScopeGroup MemoryScope = "group"
	// MemoryScopeGlobal rows are visible across groups. Only the primary
	// group may write globals; other groups are downgraded to group scope.
	MemoryScopeGlobal MemoryScope = "global"
)

// MemoryType categorizes what a memory row is about.
type MemoryType string

const (
	MemoryTypeIdentity     MemoryType = "identity"
	MemoryTypePreference   MemoryType = "preference"
	MemoryTypeFact         MemoryType = "fact"
	MemoryTypeRelationship MemoryType = "relationship"
	MemoryTypeProject      MemoryType = "project"
	MemoryTypeTask         MemoryType = "task"
	MemoryTypeNote         MemoryType = "note"
	MemoryTypeArchive      MemoryType = "archive"
)

// MemoryKind categorizes how a memory row is used.
type MemoryKind string

const (
	MemoryKindSemantic   MemoryKind = "semantic"
	MemoryKindEpisodic   MemoryKind = "episodic"
	MemoryKindProcedural MemoryKind = "procedural"
	MemoryKindPreference MemoryKind = "preference"
)

// MemoryItem is one stored fact. (Group, Scope, SubjectID, Type,
// Normalized) is de-facto unique; upserts merge into the existing row.
type MemoryItem struct {
	ID    string      `json:"id"`
	Group string      `json:"group"`
	Scope MemoryScope `json:"scope"`

	// SubjectID is set iff Scope is user.
	SubjectID string `json:"subject_id,omitempty"`

	Type MemoryType `json:"type"`
	Kind MemoryKind `json:"kind"`

	// ConflictKey, when set, supersedes prior rows with the same key
	// within (Group, Scope, SubjectID, Type).
	ConflictKey string `json:"conflict_key,omitempty"`

	Content string `json:"content"`

	// Normalized is Content lowercased with non-alphanumerics collapsed
	// to single spaces; it is the dedup and fallback-search key.
	Normalized string `json:"normalized"`

	Importance float64  `json:"importance"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Embedding []float32 `json:"-"`
}

// MemorySource records an ingested source for provenance and re-index
// detection.
type MemorySource struct {
	ID        string    `json:"id"`
	Group     string    `json:"group"`
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	IndexedAt time.Time `json:"indexed_at"`
}
