package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Mind map statuses.
const (
	MapActive    = "active"
	MapCompleted = "completed"
	MapAbandoned = "abandoned"
)

// Mastery statuses, in rough order of progression.
type MasteryStatus string

const (
	MasteryUnseen    MasteryStatus = "unseen"
	MasteryDiagnosed MasteryStatus = "diagnosed"
	MasteryLearning  MasteryStatus = "learning"
	MasteryReviewing MasteryStatus = "reviewing"
	MasteryMastered  MasteryStatus = "mastered"
)

// Quiz response types.
const (
	ResponseDiagnostic = "diagnostic"
	ResponseTeach      = "teach"
	ResponseReview     = "review"
)

// Edge types. Only prerequisite edges participate in the DAG invariant.
const EdgePrerequisite = "prerequisite"

// Structural limits for a mind map.
const (
	MaxMapNodes = 30
	MaxMapDepth = 5
)

// MinEaseFactor is the SM-2 ease factor floor.
const MinEaseFactor = 1.3

// MindMap is one curriculum map.
type MindMap struct {
	ID       string
	Status   string
	Metadata json.RawMessage
}

// MindMapNode is one concept in a mind map.
type MindMapNode struct {
	ID             string
	MindMapID      string
	Label          string
	Depth          int
	EffortMinutes  *int
	MasteryStatus  MasteryStatus
	MasteryScore   float64 // [0,1]
	EaseFactor     float64 // >= 1.3
	Repetitions    int
	NextReviewAt   *time.Time
	LastReviewedAt *time.Time
	Sequence       *int
	Metadata       json.RawMessage
}

// MindMapEdge links a parent to a child node.
type MindMapEdge struct {
	ParentNodeID string
	ChildNodeID  string
	EdgeType     string
}

// QuizResponse is one recorded answer against a node.
type QuizResponse struct {
	ID           string
	NodeID       string
	MindMapID    string
	QuestionText string
	UserAnswer   string
	Quality      int // [0,5]
	ResponseType string
	RespondedAt  time.Time
	SessionID    string
}

// EducationStore persists mind maps, nodes, edges, and quiz responses.
type EducationStore interface {
	GetMap(ctx context.Context, id string) (*MindMap, error)
	SetMapStatus(ctx context.Context, id, status string) error
	SetMapMetadata(ctx context.Context, id string, metadata json.RawMessage) error

	GetNode(ctx context.Context, id string) (*MindMapNode, error)
	NodesByMap(ctx context.Context, mapID string) ([]MindMapNode, error)
	EdgesByMap(ctx context.Context, mapID string) ([]MindMapEdge, error)
	// UpdateReview writes the SM-2 fields and optional mastery transition in
	// one statement, as part of the surrounding transaction.
	UpdateReview(ctx context.Context, nodeID string, ease float64, reps int, next, last time.Time, status MasteryStatus) error
	UpdateMastery(ctx context.Context, nodeID string, score float64, status MasteryStatus) error
	SetNodeMetadata(ctx context.Context, nodeID string, metadata json.RawMessage) error
	// WriteSequences applies 1-based sequence numbers in a single batch.
	WriteSequences(ctx context.Context, mapID string, seq map[string]int) error

	InsertResponse(ctx context.Context, r QuizResponse) error
	// RecentResponses returns responses for the node, newest first.
	RecentResponses(ctx context.Context, nodeID string, limit int) ([]QuizResponse, error)
	// RecentResponsesByType returns the node's responses of one response
	// type, newest first.
	RecentResponsesByType(ctx context.Context, nodeID, responseType string, limit int) ([]QuizResponse, error)
}

// ReviewScheduler is the callback surface education uses to manage one-shot
// review schedules. The scheduler subsystem implements it; tests stub it.
type ReviewScheduler interface {
	// ScheduleReview replaces any existing schedule for the node with a
	// one-shot schedule at next (UTC), expiring 24h later.
	ScheduleReview(ctx context.Context, mapID, nodeID string, next time.Time) error
	// ScheduleBatchReview creates a single per-map batch schedule, used when
	// the map already has too many pending review schedules.
	ScheduleBatchReview(ctx context.Context, mapID string, next time.Time) error
	// CancelReview deletes the node's pending schedule if present.
	CancelReview(ctx context.Context, mapID, nodeID string) error
	// PendingReviews reports how many one-shot review schedules exist for
	// the map.
	PendingReviews(ctx context.Context, mapID string) (int, error)
}
