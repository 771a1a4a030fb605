package repository

import (
	"context"
	"time"

	"codejudge/internal/common/db"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// ProblemRepository reads problem metadata.
type ProblemRepository interface {
	Get(ctx context.Context, problemID string) (model.Problem, error)
}

// SQLProblemRepository implements ProblemRepository on the problems table.
type SQLProblemRepository struct {
	db db.Database
}

// NewProblemRepository creates a problem repository.
func NewProblemRepository(database db.Database) *SQLProblemRepository {
	return &SQLProblemRepository{db: database}
}

// Get returns the problem or ProblemNotFound.
func (r *SQLProblemRepository) Get(ctx context.Context, problemID string) (model.Problem, error) {
	if problemID == "" {
		return model.Problem{}, appErr.ValidationError("problem_id", "required")
	}
	query := `
		SELECT id, time_limit_seconds, reference_content, reference_location, input_content, input_location
		FROM problems WHERE id = ?
	`
	var p model.Problem
	err := r.db.QueryRow(ctx, query, problemID).Scan(
		&p.ID,
		&p.TimeLimitSeconds,
		&p.ReferenceSolution.Content,
		&p.ReferenceSolution.Location,
		&p.InputFixture.Content,
		&p.InputFixture.Location,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return model.Problem{}, appErr.New(appErr.ProblemNotFound).WithDetail("problem_id", problemID)
		}
		return model.Problem{}, appErr.Wrapf(err, appErr.DatabaseError, "query problem failed")
	}
	return p, nil
}

// Upsert stores a problem. Used by seeding and local mode.
func (r *SQLProblemRepository) Upsert(ctx context.Context, p model.Problem) error {
	if p.ID == "" {
		return appErr.ValidationError("problem_id", "required")
	}
	if p.TimeLimitSeconds <= 0 {
		return appErr.ValidationError("time_limit_seconds", "must be positive")
	}
	now := time.Now().UTC()
	return r.db.Transaction(ctx, func(tx db.Transaction) error {
		res, err := tx.Exec(ctx, `
			UPDATE problems SET time_limit_seconds = ?, reference_content = ?, reference_location = ?,
				input_content = ?, input_location = ?, updated_at = ?
			WHERE id = ?`,
			p.TimeLimitSeconds, p.ReferenceSolution.Content, p.ReferenceSolution.Location,
			p.InputFixture.Content, p.InputFixture.Location, now, p.ID,
		)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "update problem failed")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO problems
			(id, time_limit_seconds, reference_content, reference_location, input_content, input_location, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.TimeLimitSeconds, p.ReferenceSolution.Content, p.ReferenceSolution.Location,
			p.InputFixture.Content, p.InputFixture.Location, now, now,
		)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "insert problem failed")
		}
		return nil
	})
}
