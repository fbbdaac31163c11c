package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/poglygate/internal/model"
)

// PostgresCredentialStore はPostgreSQLを使用したCredentialStore。
type PostgresCredentialStore struct {
	db *sql.DB
}

// NewPostgresCredentialStore はPostgresCredentialStoreを生成する。
func NewPostgresCredentialStore(db *sql.DB) *PostgresCredentialStore {
	return &PostgresCredentialStore{db: db}
}

// Get は指定ユーザーの資格情報を取得する。見つからない場合はnilを返す。
func (s *PostgresCredentialStore) Get(ctx context.Context, userID string) (*model.CredentialRecord, error) {
	rec := &model.CredentialRecord{}
	var token sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, upstream_token, updated_at
		 FROM credentials
		 WHERE user_id = $1`,
		userID,
	).Scan(&rec.UserID, &rec.Username, &token, &rec.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	rec.UpstreamToken = token.String

	return rec, nil
}

// Put は資格情報をUPSERTする。
func (s *PostgresCredentialStore) Put(ctx context.Context, record *model.CredentialRecord) error {
	token := sql.NullString{String: record.UpstreamToken, Valid: record.UpstreamToken != ""}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, username, upstream_token)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET username = CASE WHEN EXCLUDED.username = '' THEN credentials.username ELSE EXCLUDED.username END,
		     upstream_token = EXCLUDED.upstream_token,
		     updated_at = now()`,
		record.UserID, record.Username, token,
	)
	if err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// UpdateUsername はユーザー名のみを更新する。
func (s *PostgresCredentialStore) UpdateUsername(ctx context.Context, userID, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, username)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE
		 SET username = EXCLUDED.username, updated_at = now()`,
		userID, username,
	)
	if err != nil {
		return fmt.Errorf("failed to update username: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialStore = (*PostgresCredentialStore)(nil)
