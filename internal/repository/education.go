package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// EducationStore is the pgx-backed curriculum storage.
type EducationStore struct {
	pool *pgxpool.Pool
}

// NewEducationStore creates the store.
func NewEducationStore(pool *pgxpool.Pool) *EducationStore {
	return &EducationStore{pool: pool}
}

func (s *EducationStore) GetMap(ctx context.Context, id string) (*domain.MindMap, error) {
	const op = "EducationStore.GetMap"
	var m domain.MindMap
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, metadata FROM mind_maps WHERE id = $1`, id).
		Scan(&m.ID, &m.Status, &m.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &m, nil
}

func (s *EducationStore) SetMapStatus(ctx context.Context, id, status string) error {
	const op = "EducationStore.SetMapStatus"
	tag, err := s.pool.Exec(ctx, `UPDATE mind_maps SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *EducationStore) SetMapMetadata(ctx context.Context, id string, metadata json.RawMessage) error {
	const op = "EducationStore.SetMapMetadata"
	tag, err := s.pool.Exec(ctx, `UPDATE mind_maps SET metadata = $2 WHERE id = $1`, id, metadata)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *EducationStore) GetNode(ctx context.Context, id string) (*domain.MindMapNode, error) {
	const op = "EducationStore.GetNode"
	n, err := scanNode(s.pool.QueryRow(ctx, nodeSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return n, nil
}

func (s *EducationStore) NodesByMap(ctx context.Context, mapID string) ([]domain.MindMapNode, error) {
	const op = "EducationStore.NodesByMap"
	rows, err := s.pool.Query(ctx, nodeSelect+` WHERE mind_map_id = $1 ORDER BY depth, label`, mapID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.MindMapNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (s *EducationStore) EdgesByMap(ctx context.Context, mapID string) ([]domain.MindMapEdge, error) {
	const op = "EducationStore.EdgesByMap"
	rows, err := s.pool.Query(ctx, `
		SELECT e.parent_node_id, e.child_node_id, e.edge_type
		FROM mind_map_edges e
		JOIN mind_map_nodes p ON p.id = e.parent_node_id
		WHERE p.mind_map_id = $1`, mapID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.MindMapEdge
	for rows.Next() {
		var e domain.MindMapEdge
		if err := rows.Scan(&e.ParentNodeID, &e.ChildNodeID, &e.EdgeType); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (s *EducationStore) UpdateReview(ctx context.Context, nodeID string, ease float64, reps int, next, last time.Time, status domain.MasteryStatus) error {
	const op = "EducationStore.UpdateReview"
	tag, err := s.pool.Exec(ctx, `
		UPDATE mind_map_nodes
		SET ease_factor = $2, repetitions = $3, next_review_at = $4,
			last_reviewed_at = $5, mastery_status = $6
		WHERE id = $1`, nodeID, ease, reps, next, last, string(status))
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *EducationStore) UpdateMastery(ctx context.Context, nodeID string, score float64, status domain.MasteryStatus) error {
	const op = "EducationStore.UpdateMastery"
	tag, err := s.pool.Exec(ctx, `
		UPDATE mind_map_nodes SET mastery_score = $2, mastery_status = $3
		WHERE id = $1`, nodeID, score, string(status))
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *EducationStore) SetNodeMetadata(ctx context.Context, nodeID string, metadata json.RawMessage) error {
	const op = "EducationStore.SetNodeMetadata"
	tag, err := s.pool.Exec(ctx, `UPDATE mind_map_nodes SET metadata = $2 WHERE id = $1`, nodeID, metadata)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *EducationStore) WriteSequences(ctx context.Context, mapID string, seq map[string]int) error {
	const op = "EducationStore.WriteSequences"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback(ctx)

	for nodeID, n := range seq {
		if _, err := tx.Exec(ctx, `
			UPDATE mind_map_nodes SET sequence = $3
			WHERE id = $1 AND mind_map_id = $2`, nodeID, mapID, n); err != nil {
			return storeErr(op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *EducationStore) InsertResponse(ctx context.Context, r domain.QuizResponse) error {
	const op = "EducationStore.InsertResponse"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quiz_responses (id, node_id, mind_map_id, question_text, user_answer, quality, response_type, responded_at, session_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.NodeID, r.MindMapID, r.QuestionText, r.UserAnswer, r.Quality, r.ResponseType, r.RespondedAt, r.SessionID)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *EducationStore) RecentResponses(ctx context.Context, nodeID string, limit int) ([]domain.QuizResponse, error) {
	const op = "EducationStore.RecentResponses"
	rows, err := s.pool.Query(ctx, `
		SELECT id, node_id, mind_map_id, question_text, user_answer, quality, response_type, responded_at, session_id
		FROM quiz_responses
		WHERE node_id = $1
		ORDER BY responded_at DESC
		LIMIT $2`, nodeID, limit)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	return scanResponses(op, rows)
}

func (s *EducationStore) RecentResponsesByType(ctx context.Context, nodeID, responseType string, limit int) ([]domain.QuizResponse, error) {
	const op = "EducationStore.RecentResponsesByType"
	rows, err := s.pool.Query(ctx, `
		SELECT id, node_id, mind_map_id, question_text, user_answer, quality, response_type, responded_at, session_id
		FROM quiz_responses
		WHERE node_id = $1 AND response_type = $2
		ORDER BY responded_at DESC
		LIMIT $3`, nodeID, responseType, limit)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	return scanResponses(op, rows)
}

func scanResponses(op string, rows pgx.Rows) ([]domain.QuizResponse, error) {
	var out []domain.QuizResponse
	for rows.Next() {
		var r domain.QuizResponse
		if err := rows.Scan(&r.ID, &r.NodeID, &r.MindMapID, &r.QuestionText, &r.UserAnswer,
			&r.Quality, &r.ResponseType, &r.RespondedAt, &r.SessionID); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

const nodeSelect = `
	SELECT id, mind_map_id, label, depth, effort_minutes, mastery_status, mastery_score,
		ease_factor, repetitions, next_review_at, last_reviewed_at, sequence, metadata
	FROM mind_map_nodes`

func scanNode(row rowScanner) (*domain.MindMapNode, error) {
	var (
		n      domain.MindMapNode
		status string
	)
	if err := row.Scan(&n.ID, &n.MindMapID, &n.Label, &n.Depth, &n.EffortMinutes, &status,
		&n.MasteryScore, &n.EaseFactor, &n.Repetitions, &n.NextReviewAt,
		&n.LastReviewedAt, &n.Sequence, &n.Metadata); err != nil {
		return nil, err
	}
	n.MasteryStatus = domain.MasteryStatus(status)
	return &n, nil
}
