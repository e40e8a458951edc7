package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
)

// PromptTemplate returns the template for role, falling back to the default.
func (s *Store) PromptTemplate(ctx context.Context, role string) (string, error) {
	if !ValidArtifactType(role) {
		return "", apperr.New(apperr.KindInvalidInput, "unknown prompt role %q", role)
	}
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT promptText FROM promptTemplates WHERE role = ?`, role).Scan(&text)
	if err == sql.ErrNoRows || (err == nil && strings.TrimSpace(text) == "") {
		return DefaultPrompts[role], nil
	}
	if err != nil {
		return "", fmt.Errorf("query prompt template: %w", err)
	}
	return text, nil
}

// PromptTemplates returns every role's template.
func (s *Store) PromptTemplates(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(ArtifactTypes))
	for _, role := range ArtifactTypes {
		text, err := s.PromptTemplate(ctx, role)
		if err != nil {
			return nil, err
		}
		out[role] = text
	}
	return out, nil
}

// SetPromptTemplate replaces the template for role.
func (s *Store) SetPromptTemplate(ctx context.Context, role, text string) error {
	if !ValidArtifactType(role) {
		return apperr.New(apperr.KindInvalidInput, "unknown prompt role %q", role)
	}
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.KindInvalidInput, "prompt text is required")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO promptTemplates (role, promptText, updatedAt) VALUES (?, ?, ?)
		ON CONFLICT(role) DO UPDATE SET promptText = excluded.promptText, updatedAt = excluded.updatedAt`,
		role, text, unixTime(time.Now())); err != nil {
		return fmt.Errorf("upsert prompt template: %w", err)
	}
	return nil
}

// ModelName returns the configured LLM model name.
func (s *Store) ModelName(ctx context.Context) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'modelName'`).Scan(&name)
	if err == sql.ErrNoRows || (err == nil && strings.TrimSpace(name) == "") {
		return DefaultModelName, nil
	}
	if err != nil {
		return "", fmt.Errorf("query model name: %w", err)
	}
	return name, nil
}

// SetModelName stores the LLM model name.
func (s *Store) SetModelName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.New(apperr.KindInvalidInput, "model name is required")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('modelName', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, name); err != nil {
		return fmt.Errorf("upsert model name: %w", err)
	}
	return nil
}
