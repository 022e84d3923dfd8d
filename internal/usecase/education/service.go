package education

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"butlerd/internal/domain"
)

// batchScheduleThreshold is the number of pending per-node review schedules
// at which the service switches to a single per-map batch schedule.
const batchScheduleThreshold = 20

// Service implements the education butler's mastery and curriculum
// operations on top of the education store and the review scheduler.
type Service struct {
	store     domain.EducationStore
	scheduler domain.ReviewScheduler
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the education service.
func NewService(store domain.EducationStore, scheduler domain.ReviewScheduler, logger *slog.Logger) *Service {
	return &Service{store: store, scheduler: scheduler, logger: logger, now: time.Now}
}

// ReviewOutcome reports the result of a spaced-repetition record.
type ReviewOutcome struct {
	EaseFactor   float64
	Repetitions  int
	IntervalDays float64
	NextReviewAt time.Time
	Status       domain.MasteryStatus
}

// RecordReview runs one SM-2 step for the node and replaces its review
// schedule. The node update is transactional in the store; the schedule
// swap happens after commit.
func (s *Service) RecordReview(ctx context.Context, nodeID string, quality int) (*ReviewOutcome, error) {
	const op = "Education.RecordReview"

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	res := SM2(node.EaseFactor, node.Repetitions, quality, lastIntervalDays(node))
	status := ReviewRegression(node.MasteryStatus, quality)

	now := s.now()
	next := now.Add(time.Duration(res.IntervalDays * 24 * float64(time.Hour)))
	if err := s.store.UpdateReview(ctx, nodeID, res.EaseFactor, res.Repetitions, next, now, status); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	// Schedule swap is best-effort after the state is committed; a failure
	// here must not lose the review itself.
	if err := s.scheduler.CancelReview(ctx, node.MindMapID, nodeID); err != nil {
		s.logger.Warn("cancel review schedule failed", "node_id", nodeID, "error", err)
	}
	pending, err := s.scheduler.PendingReviews(ctx, node.MindMapID)
	if err != nil {
		s.logger.Warn("pending review count failed", "map_id", node.MindMapID, "error", err)
		pending = 0
	}
	if pending >= batchScheduleThreshold {
		err = s.scheduler.ScheduleBatchReview(ctx, node.MindMapID, next)
	} else {
		err = s.scheduler.ScheduleReview(ctx, node.MindMapID, nodeID, next)
	}
	if err != nil {
		s.logger.Warn("review schedule create failed", "node_id", nodeID, "error", err)
	}

	return &ReviewOutcome{
		EaseFactor:   res.EaseFactor,
		Repetitions:  res.Repetitions,
		IntervalDays: res.IntervalDays,
		NextReviewAt: next,
		Status:       status,
	}, nil
}

// RecordMastery records a quiz response and advances the mastery state
// machine. mastered is never demoted here; completing the last node
// transitions the map to completed. Already-completed maps are left alone.
func (s *Service) RecordMastery(ctx context.Context, resp domain.QuizResponse) (domain.MasteryStatus, float64, error) {
	const op = "Education.RecordMastery"

	node, err := s.store.GetNode(ctx, resp.NodeID)
	if err != nil {
		return "", 0, domain.WrapOp(op, err)
	}

	resp.MindMapID = node.MindMapID
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = s.now()
	}
	if err := s.store.InsertResponse(ctx, resp); err != nil {
		return "", 0, domain.WrapOp(op, err)
	}

	recent, err := s.store.RecentResponses(ctx, resp.NodeID, len(recencyWeights))
	if err != nil {
		return "", 0, domain.WrapOp(op, err)
	}
	score := MasteryScore(oldestFirstQualities(recent))

	// The graduation streak counts review-type responses only; interleaved
	// teach or diagnostic rounds must not evict review history.
	reviews, err := s.store.RecentResponsesByType(ctx, resp.NodeID, domain.ResponseReview, masteryStreakLength)
	if err != nil {
		return "", 0, domain.WrapOp(op, err)
	}
	streak := qualities(reviews)

	status := NextMasteryStatus(node.MasteryStatus, resp.ResponseType, resp.Quality, score, streak)
	if err := s.store.UpdateMastery(ctx, resp.NodeID, score, status); err != nil {
		return "", 0, domain.WrapOp(op, err)
	}

	if status == domain.MasteryMastered && node.MasteryStatus != domain.MasteryMastered {
		if err := s.maybeCompleteMap(ctx, node.MindMapID); err != nil {
			s.logger.Warn("map completion check failed", "map_id", node.MindMapID, "error", err)
		}
	}
	return status, score, nil
}

// maybeCompleteMap transitions the map to completed once every node is
// mastered. Maps that already left active state are never re-opened or
// re-completed.
func (s *Service) maybeCompleteMap(ctx context.Context, mapID string) error {
	m, err := s.store.GetMap(ctx, mapID)
	if err != nil {
		return err
	}
	if m.Status != domain.MapActive {
		return nil
	}
	nodes, err := s.store.NodesByMap(ctx, mapID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.MasteryStatus != domain.MasteryMastered {
			return nil
		}
	}
	s.logger.Info("mind map fully mastered", "map_id", mapID)
	return s.store.SetMapStatus(ctx, mapID, domain.MapCompleted)
}

// Struggling returns struggle flags for every non-mastered node in the map.
func (s *Service) Struggling(ctx context.Context, mapID string) ([]StruggleResult, error) {
	const op = "Education.Struggling"

	nodes, err := s.store.NodesByMap(ctx, mapID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	var out []StruggleResult
	for _, n := range nodes {
		if n.MasteryStatus == domain.MasteryMastered {
			continue
		}
		recent, err := s.store.RecentResponses(ctx, n.ID, struggleMinResponses)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		if res, ok := DetectStruggle(n.ID, recent); ok {
			out = append(out, res)
		}
	}
	return out, nil
}

// Plan runs the curriculum sort and writes 1-based sequences in one batch.
func (s *Service) Plan(ctx context.Context, mapID string) ([]string, error) {
	const op = "Education.Plan"

	nodes, err := s.store.NodesByMap(ctx, mapID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	edges, err := s.store.EdgesByMap(ctx, mapID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	order, err := TopoSort(nodes, edges)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if err := s.store.WriteSequences(ctx, mapID, Sequence(order)); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return order, nil
}

// Replan re-runs the sort without mutating the DAG and marks fully-mastered
// nodes skippable in their metadata.
func (s *Service) Replan(ctx context.Context, mapID string) ([]string, error) {
	order, err := s.Plan(ctx, mapID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.NodesByMap(ctx, mapID)
	if err != nil {
		return nil, domain.WrapOp("Education.Replan", err)
	}
	for _, n := range nodes {
		if n.MasteryStatus != domain.MasteryMastered {
			continue
		}
		meta := markSkippable(n.Metadata)
		if err := s.store.SetNodeMetadata(ctx, n.ID, meta); err != nil {
			s.logger.Warn("mark skippable failed", "node_id", n.ID, "error", err)
		}
	}
	return order, nil
}

// NextNode returns the frontier node with the lowest sequence, or "" when
// the map is completed/abandoned or nothing is ready.
func (s *Service) NextNode(ctx context.Context, mapID string) (string, error) {
	const op = "Education.NextNode"

	m, err := s.store.GetMap(ctx, mapID)
	if err != nil {
		return "", domain.WrapOp(op, err)
	}
	if m.Status != domain.MapActive {
		return "", nil
	}
	nodes, err := s.store.NodesByMap(ctx, mapID)
	if err != nil {
		return "", domain.WrapOp(op, err)
	}
	edges, err := s.store.EdgesByMap(ctx, mapID)
	if err != nil {
		return "", domain.WrapOp(op, err)
	}
	return FrontierNode(nodes, edges), nil
}

func lastIntervalDays(n *domain.MindMapNode) float64 {
	if n.NextReviewAt == nil || n.LastReviewedAt == nil {
		return 0
	}
	return n.NextReviewAt.Sub(*n.LastReviewedAt).Hours() / 24
}

// oldestFirstQualities reverses newest-first responses into the order
// MasteryScore expects.
func oldestFirstQualities(newestFirst []domain.QuizResponse) []int {
	out := make([]int, len(newestFirst))
	for i, r := range newestFirst {
		out[len(newestFirst)-1-i] = r.Quality
	}
	return out
}

// qualities extracts response qualities preserving order.
func qualities(responses []domain.QuizResponse) []int {
	out := make([]int, len(responses))
	for i, r := range responses {
		out[i] = r.Quality
	}
	return out
}

func markSkippable(metadata json.RawMessage) json.RawMessage {
	m := map[string]any{}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &m)
	}
	m["skippable"] = true
	out, _ := json.Marshal(m)
	return out
}
