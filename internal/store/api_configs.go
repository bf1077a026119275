package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// APIConfig holds a user's own provider credentials. Empty fields fall
// back to the server configuration.
type APIConfig struct {
	UserID         string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	Model          string
	EvalModel      string
	SearchProvider string
	SearchAPIKey   string
	UpdatedAt      time.Time
}

const (
	getAPIConfigSQL = `SELECT user_id, openai_api_key, openai_base_url, model, eval_model, search_provider, search_api_key, updated_at FROM api_configs WHERE user_id=$1`

	upsertAPIConfigSQL = `
INSERT INTO api_configs (user_id, openai_api_key, openai_base_url, model, eval_model, search_provider, search_api_key, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (user_id) DO UPDATE SET
  openai_api_key = EXCLUDED.openai_api_key,
  openai_base_url = EXCLUDED.openai_base_url,
  model = EXCLUDED.model,
  eval_model = EXCLUDED.eval_model,
  search_provider = EXCLUDED.search_provider,
  search_api_key = EXCLUDED.search_api_key,
  updated_at = NOW();
`
)

func (s *Store) GetAPIConfig(ctx context.Context, userID string) (APIConfig, bool, error) {
	var c APIConfig
	err := s.DB.QueryRowContext(ctx, getAPIConfigSQL, userID).Scan(&c.UserID, &c.OpenAIAPIKey, &c.OpenAIBaseURL,
		&c.Model, &c.EvalModel, &c.SearchProvider, &c.SearchAPIKey, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIConfig{}, false, nil
	}
	if err != nil {
		return APIConfig{}, false, err
	}
	return c, true, nil
}

func (s *Store) UpsertAPIConfig(ctx context.Context, c APIConfig) error {
	if c.UserID == "" {
		return fmt.Errorf("user_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, upsertAPIConfigSQL, c.UserID, c.OpenAIAPIKey, c.OpenAIBaseURL,
		c.Model, c.EvalModel, c.SearchProvider, c.SearchAPIKey)
	return err
}
