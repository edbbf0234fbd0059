package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-room-engine/internal/domain"
)

// QuestionLoader loads a category of the question bank from Postgres.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadQuestions(ctx context.Context, category string) ([]domain.QuestionItem, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT question, options, correct_answer, time_limit FROM questions WHERE category=$1 ORDER BY id`, category)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	var items []domain.QuestionItem
	for rows.Next() {
		var (
			item domain.QuestionItem
			raw  []byte
		)
		if err := rows.Scan(&item.Text, &raw, &item.Correct, &item.TimeLimit); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal(raw, &item.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	return items, nil
}

// SeedQuestions inserts bank entries under a category.
func SeedQuestions(ctx context.Context, pool *pgxpool.Pool, category string, items []domain.QuestionItem) error {
	for _, item := range items {
		raw, err := json.Marshal(item.Options)
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
		if _, err := pool.Exec(ctx,
			`INSERT INTO questions (category, question, options, correct_answer, time_limit) VALUES ($1, $2, $3::jsonb, $4, $5)`,
			category, item.Text, string(raw), item.Correct, item.TimeLimit); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
	}
	return nil
}
