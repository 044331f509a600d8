package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v4/pgxpool"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

var _ repository.ResultRepository = (*resultRepo)(nil)

type resultRepo struct {
	pool *pgxpool.Pool
}

func NewResultRepo(pool *pgxpool.Pool) *resultRepo {
	return &resultRepo{pool: pool}
}

// Replace is delete-then-insert. Run it inside a transaction so readers
// never see a partial set.
func (r *resultRepo) Replace(ctx context.Context, tx repository.Tx, res *model.GenerationResult) error {
	sid := res.SessionID
	for _, q := range []string{
		`DELETE FROM topic_edges WHERE session_id = $1;`,
		`DELETE FROM topics WHERE session_id = $1;`,
		`DELETE FROM flashcards WHERE session_id = $1;`,
		`DELETE FROM questions WHERE session_id = $1;`,
	} {
		if _, err := execSQL(ctx, r.pool, tx, q, sid); err != nil {
			return err
		}
	}

	for i, t := range res.Topics {
		const q = `
INSERT INTO topics (id, session_id, name, parent_id, is_main, description, position)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7);`
		if _, err := execSQL(ctx, r.pool, tx, q, t.ID, sid, t.Name, t.ParentID, t.IsMain, t.Description, i); err != nil {
			return err
		}
	}
	for _, e := range res.Edges {
		const q = `INSERT INTO topic_edges (session_id, from_id, to_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING;`
		if _, err := execSQL(ctx, r.pool, tx, q, sid, e.FromID, e.ToID); err != nil {
			return err
		}
	}
	for i, f := range res.Flashcards {
		const q = `INSERT INTO flashcards (id, session_id, question, answer, position) VALUES ($1, $2, $3, $4, $5);`
		if _, err := execSQL(ctx, r.pool, tx, q, f.ID, sid, f.Question, f.Answer, i); err != nil {
			return err
		}
	}
	for i, qn := range res.Questions {
		opts, err := json.Marshal(qn.Options)
		if err != nil {
			return err
		}
		const q = `
INSERT INTO questions (id, session_id, text, options, correct_index, explanation, position)
VALUES ($1, $2, $3, $4, $5, $6, $7);`
		if _, err := execSQL(ctx, r.pool, tx, q, qn.ID, sid, qn.Text, opts, qn.CorrectIndex, qn.Explanation, i); err != nil {
			return err
		}
	}
	return nil
}

// Load returns ErrNotFound when the session has no stored artifacts.
func (r *resultRepo) Load(ctx context.Context, tx repository.Tx, sessionID string) (*model.GenerationResult, error) {
	res := &model.GenerationResult{SessionID: sessionID}

	rows, err := queryRows(ctx, r.pool, tx, `
SELECT id, name, COALESCE(parent_id, ''), is_main, description
  FROM topics WHERE session_id = $1 ORDER BY position;`, sessionID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		t := model.Topic{SessionID: sessionID}
		if err := rows.Scan(&t.ID, &t.Name, &t.ParentID, &t.IsMain, &t.Description); err != nil {
			rows.Close()
			return nil, scanErr(err)
		}
		res.Topics = append(res.Topics, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = queryRows(ctx, r.pool, tx, `SELECT from_id, to_id FROM topic_edges WHERE session_id = $1 ORDER BY from_id, to_id;`, sessionID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e model.TopicEdge
		if err := rows.Scan(&e.FromID, &e.ToID); err != nil {
			rows.Close()
			return nil, scanErr(err)
		}
		res.Edges = append(res.Edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = queryRows(ctx, r.pool, tx, `SELECT id, question, answer FROM flashcards WHERE session_id = $1 ORDER BY position;`, sessionID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var f model.Flashcard
		if err := rows.Scan(&f.ID, &f.Question, &f.Answer); err != nil {
			rows.Close()
			return nil, scanErr(err)
		}
		res.Flashcards = append(res.Flashcards, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = queryRows(ctx, r.pool, tx, `
SELECT id, text, options, correct_index, explanation
  FROM questions WHERE session_id = $1 ORDER BY position;`, sessionID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			q    model.Question
			opts []byte
		)
		if err := rows.Scan(&q.ID, &q.Text, &opts, &q.CorrectIndex, &q.Explanation); err != nil {
			rows.Close()
			return nil, scanErr(err)
		}
		if err := json.Unmarshal(opts, &q.Options); err != nil {
			rows.Close()
			return nil, errors.Join(domain.ErrReadDatabaseRow, err)
		}
		res.Questions = append(res.Questions, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if res.Empty() {
		return nil, domain.ErrNotFound
	}
	return res, nil
}
