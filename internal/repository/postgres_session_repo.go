package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/poglygate/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	token, err := marshalProviderToken(session.ProviderToken)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, username, upstream_token, provider_token, validated_at, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.UserID, session.Username, session.UpstreamToken, token,
		session.ValidatedAt, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	var token []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, username, upstream_token, provider_token, validated_at, expires_at, created_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &session.UserID, &session.Username, &session.UpstreamToken, &token,
		&session.ValidatedAt, &session.ExpiresAt, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if len(token) > 0 {
		session.ProviderToken = &model.ProviderToken{}
		if err := json.Unmarshal(token, session.ProviderToken); err != nil {
			return nil, fmt.Errorf("failed to decode provider token: %w", err)
		}
	}

	return session, nil
}

// Update はセッションのキャッシュ内容を更新する。
func (r *PostgresSessionRepo) Update(ctx context.Context, session *model.Session) error {
	token, err := marshalProviderToken(session.ProviderToken)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET username = $2, upstream_token = $3, provider_token = $4, validated_at = $5
		 WHERE id = $1`,
		session.ID, session.Username, session.UpstreamToken, token, session.ValidatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// marshalProviderToken はIdPトークンをJSONBカラム用に変換する。nilはNULLになる。
func marshalProviderToken(t *model.ProviderToken) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider token: %w", err)
	}
	return b, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
