package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/x402-foundation/escrow-facilitator/types"
)

//go:embed schema.sql
var schemaSQL string

// pqUniqueViolation is the class 23 code for duplicate keys.
const pqUniqueViolation = "23505"

// PostgresStore implements Store on a PostgreSQL database. Mutating routines
// run in a single transaction with a FOR UPDATE lock on the session row, so
// concurrent debits and captures against one session serialize in the store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// UpsertNetwork inserts or reactivates a network row.
func (s *PostgresStore) UpsertNetwork(ctx context.Context, network Network) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO networks (id, chain_id, is_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active`,
		network.ID, network.ChainID, network.IsActive)
	if err != nil {
		return dbError("upsert network", err)
	}
	return nil
}

// GetOrCreateUserByWallet returns the user owning a wallet, creating the row
// on first sight.
func (s *PostgresStore) GetOrCreateUserByWallet(ctx context.Context, wallet string) (User, error) {
	wallet = types.NormalizeAddress(wallet)
	var u User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, wallet)
		VALUES ($1, $2)
		ON CONFLICT (wallet) DO UPDATE SET wallet = EXCLUDED.wallet
		RETURNING id, wallet, created_at`,
		uuid.New().String(), wallet).Scan(&u.ID, &u.Wallet, &u.CreatedAt)
	if err != nil {
		return User{}, dbError("get or create user", err)
	}
	return u, nil
}

// GetUserByID looks a user up by id.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, wallet, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Wallet, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, types.NewError(types.ErrUnauthorized, "user not found")
	}
	if err != nil {
		return User{}, dbError("get user", err)
	}
	return u, nil
}

// CreateAPIKey stores a new key hash for a user.
func (s *PostgresStore) CreateAPIKey(ctx context.Context, userID, name, secretHash string) (APIKey, error) {
	key := APIKey{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       name,
		SecretHash: secretHash,
		Status:     "active",
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, secret_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		key.ID, key.UserID, key.Name, key.SecretHash).Scan(&key.CreatedAt)
	if err != nil {
		return APIKey{}, dbError("create api key", err)
	}
	return key, nil
}

// GetAPIKeyBySecretHash resolves an active key from its secret hash.
func (s *PostgresStore) GetAPIKeyBySecretHash(ctx context.Context, secretHash string) (APIKey, error) {
	var key APIKey
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, secret_hash, status, created_at, last_used_at
		FROM api_keys
		WHERE secret_hash = $1 AND status = 'active'`, secretHash).
		Scan(&key.ID, &key.UserID, &key.Name, &key.SecretHash, &key.Status, &key.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return APIKey{}, types.NewError(types.ErrUnauthorized, "invalid api key")
	}
	if err != nil {
		return APIKey{}, dbError("get api key", err)
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}
	return key, nil
}

// ListAPIKeys returns all keys of a user, newest first.
func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, secret_hash, status, created_at, last_used_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, dbError("list api keys", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var key APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&key.ID, &key.UserID, &key.Name, &key.SecretHash,
			&key.Status, &key.CreatedAt, &lastUsed); err != nil {
			return nil, dbError("scan api key", err)
		}
		if lastUsed.Valid {
			key.LastUsedAt = &lastUsed.Time
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Ownership is enforced in the WHERE clause.
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET status = 'revoked' WHERE id = $1 AND user_id = $2`, keyID, userID)
	if err != nil {
		return dbError("revoke api key", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return types.NewError(types.ErrUnauthorized, "api key not found")
	}
	return nil
}

// TouchAPIKey updates last_used_at. Callers fire this off the request path
// and ignore the error.
func (s *PostgresStore) TouchAPIKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	return err
}

// CreateSession inserts a session row. A duplicate id means the session
// already exists; callers treat that as idempotent success.
func (s *PostgresStore) CreateSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, network_id, user_id, payer, receiver, token, authorized_amount,
			pre_approval_expiry, authorization_expiry, refund_expiry,
			operator, salt, min_fee_bps, max_fee_bps, fee_receiver,
			authorize_tx_hash, token_hash, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		session.ID, session.NetworkID, session.UserID,
		types.NormalizeAddress(session.Payer), types.NormalizeAddress(session.Receiver),
		types.NormalizeAddress(session.Token), session.Authorized.String(),
		session.PreApprovalExpiry, session.AuthorizationExpiry, session.RefundExpiry,
		types.NormalizeAddress(session.Operator), session.Salt,
		session.MinFeeBps, session.MaxFeeBps, types.NormalizeAddress(session.FeeReceiver),
		session.AuthorizeTxHash, session.TokenHash, StatusActive)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
		return types.NewError(types.ErrInvalidRequest, "session already exists")
	}
	if err != nil {
		return dbError("create session", err)
	}
	return nil
}

const sessionColumns = `
	id, network_id, user_id, payer, receiver, token, authorized_amount::text,
	pre_approval_expiry, authorization_expiry, refund_expiry,
	operator, salt::text, min_fee_bps, max_fee_bps, fee_receiver,
	authorize_tx_hash, void_tx_hash, token_hash, status, created_at, updated_at`

// GetSession loads a session by id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var authorized string
	err := row.Scan(&sess.ID, &sess.NetworkID, &sess.UserID, &sess.Payer, &sess.Receiver,
		&sess.Token, &authorized, &sess.PreApprovalExpiry, &sess.AuthorizationExpiry,
		&sess.RefundExpiry, &sess.Operator, &sess.Salt, &sess.MinFeeBps, &sess.MaxFeeBps,
		&sess.FeeReceiver, &sess.AuthorizeTxHash, &sess.VoidTxHash, &sess.TokenHash,
		&sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return Session{}, types.NewError(types.ErrSessionNotFound, "session not found")
	}
	if err != nil {
		return Session{}, dbError("scan session", err)
	}
	sess.Authorized, err = parseNumeric(authorized)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// SessionBalance recomputes a session's balance from its logs.
func (s *PostgresStore) SessionBalance(ctx context.Context, id string) (Balance, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return s.balanceOf(ctx, s.db, sess)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresStore) balanceOf(ctx context.Context, q queryer, sess Session) (Balance, error) {
	var captured, pending string
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status = 'settled'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0)::text
		FROM usage_logs WHERE session_id = $1`, sess.ID).Scan(&captured, &pending)
	if err != nil {
		return Balance{}, dbError("compute balance", err)
	}
	capturedN, err := parseNumeric(captured)
	if err != nil {
		return Balance{}, err
	}
	pendingN, err := parseNumeric(pending)
	if err != nil {
		return Balance{}, err
	}
	available := new(big.Int).Sub(sess.Authorized, new(big.Int).Add(capturedN, pendingN))
	return Balance{
		Authorized: new(big.Int).Set(sess.Authorized),
		Captured:   capturedN,
		Pending:    pendingN,
		Available:  available,
	}, nil
}

// DebitSession atomically records a usage charge. The session row lock
// serializes concurrent debits; (session_id, request_id) uniqueness makes
// retries idempotent.
func (s *PostgresStore) DebitSession(ctx context.Context, sessionID string, amount *big.Int, requestID, description string) (DebitResult, error) {
	var result DebitResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != StatusActive {
			return types.NewError(types.ErrSessionInactive, "session is %s", sess.Status)
		}
		if sess.AuthorizationExpiry.Before(time.Now()) {
			return types.NewError(types.ErrSessionExpired, "authorization expired at %s", sess.AuthorizationExpiry.Format(time.RFC3339))
		}

		// Lock the session's logs so the balance read and the insert are
		// one serialization unit.
		if _, err := tx.ExecContext(ctx,
			`SELECT id FROM usage_logs WHERE session_id = $1 FOR UPDATE`, sessionID); err != nil {
			return dbError("lock usage logs", err)
		}

		var existing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM usage_logs WHERE session_id = $1 AND request_id = $2`,
			sessionID, requestID).Scan(&existing); err != nil {
			return dbError("check request id", err)
		}
		if existing > 0 {
			balance, err := s.balanceOf(ctx, tx, sess)
			if err != nil {
				return err
			}
			result = DebitResult{Idempotent: true, Balance: balance}
			return nil
		}

		balance, err := s.balanceOf(ctx, tx, sess)
		if err != nil {
			return err
		}
		if amount.Cmp(balance.Available) > 0 {
			return types.NewError(types.ErrInsufficientBalance,
				"requested %s, available %s", amount.String(), balance.Available.String())
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_logs (id, session_id, request_id, amount, description, status)
			VALUES ($1, $2, $3, $4, $5, 'pending')`,
			uuid.New().String(), sessionID, requestID, amount.String(), description); err != nil {
			return dbError("insert usage log", err)
		}

		balance.Pending.Add(balance.Pending, amount)
		balance.Available.Sub(balance.Available, amount)
		result = DebitResult{Idempotent: false, Balance: balance}
		return nil
	})
	return result, err
}

// BatchCapture settles every pending usage log of a session under one
// confirmed capture log. Returns the captured amount, zero when nothing was
// pending.
func (s *PostgresStore) BatchCapture(ctx context.Context, sessionID, txHash string, tier int) (*big.Int, error) {
	captured := zero()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		balance, err := s.balanceOf(ctx, tx, sess)
		if err != nil {
			return err
		}
		if balance.Pending.Sign() == 0 {
			return nil
		}

		captureLogID := uuid.New().String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO capture_logs (id, session_id, network_id, amount, tx_hash, tier, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'confirmed')`,
			captureLogID, sessionID, sess.NetworkID, balance.Pending.String(), txHash, tier); err != nil {
			return dbError("insert capture log", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE usage_logs SET status = 'settled', capture_log_id = $1
			WHERE session_id = $2 AND status = 'pending'`, captureLogID, sessionID); err != nil {
			return dbError("settle usage logs", err)
		}
		captured.Set(balance.Pending)
		return nil
	})
	return captured, err
}

// SyncCapture settles pending usage logs oldest-first until amount is
// covered; any remainder stays pending. Returns the settled total.
func (s *PostgresStore) SyncCapture(ctx context.Context, sessionID string, amount *big.Int, txHash string) (*big.Int, error) {
	settled := zero()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, amount::text FROM usage_logs
			WHERE session_id = $1 AND status = 'pending'
			ORDER BY created_at ASC, id ASC
			FOR UPDATE`, sessionID)
		if err != nil {
			return dbError("select pending logs", err)
		}
		type pendingLog struct {
			id     string
			amount *big.Int
		}
		var logs []pendingLog
		for rows.Next() {
			var l pendingLog
			var amountStr string
			if err := rows.Scan(&l.id, &amountStr); err != nil {
				rows.Close()
				return dbError("scan pending log", err)
			}
			if l.amount, err = parseNumeric(amountStr); err != nil {
				rows.Close()
				return err
			}
			logs = append(logs, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return dbError("iterate pending logs", err)
		}

		var toSettle []string
		remaining := new(big.Int).Set(amount)
		for _, l := range logs {
			if remaining.Sign() <= 0 || l.amount.Cmp(remaining) > 0 {
				break
			}
			toSettle = append(toSettle, l.id)
			settled.Add(settled, l.amount)
			remaining.Sub(remaining, l.amount)
		}
		if len(toSettle) == 0 {
			return nil
		}

		captureLogID := uuid.New().String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO capture_logs (id, session_id, network_id, amount, tx_hash, tier, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'confirmed')`,
			captureLogID, sessionID, sess.NetworkID, settled.String(), txHash, Tier3); err != nil {
			return dbError("insert capture log", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE usage_logs SET status = 'settled', capture_log_id = $1
			WHERE id = ANY($2)`, captureLogID, pq.Array(toSettle)); err != nil {
			return dbError("settle usage logs", err)
		}
		return nil
	})
	return settled, err
}

// VoidSession transitions a session to voided. When captureTxHash is set and
// logs are pending, a tier-3 capture log settles them first; an empty
// captureTxHash leaves pending logs untouched (expired-forfeit path).
func (s *PostgresStore) VoidSession(ctx context.Context, sessionID, captureTxHash, voidTxHash string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == StatusVoided {
			return nil
		}
		if sess.Status == StatusCaptured {
			return types.NewError(types.ErrSessionInactive, "session is captured")
		}

		if captureTxHash != "" {
			balance, err := s.balanceOf(ctx, tx, sess)
			if err != nil {
				return err
			}
			if balance.Pending.Sign() > 0 {
				captureLogID := uuid.New().String()
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO capture_logs (id, session_id, network_id, amount, tx_hash, tier, status)
					VALUES ($1, $2, $3, $4, $5, $6, 'confirmed')`,
					captureLogID, sessionID, sess.NetworkID, balance.Pending.String(),
					captureTxHash, Tier3); err != nil {
					return dbError("insert capture log", err)
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE usage_logs SET status = 'settled', capture_log_id = $1
					WHERE session_id = $2 AND status = 'pending'`, captureLogID, sessionID); err != nil {
					return dbError("settle usage logs", err)
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = 'voided', void_tx_hash = $1, updated_at = now()
			WHERE id = $2`, voidTxHash, sessionID); err != nil {
			return dbError("void session", err)
		}
		return nil
	})
}

// RecordFailedCapture writes a failed capture log so the attempt is auditable.
func (s *PostgresStore) RecordFailedCapture(ctx context.Context, sessionID, networkID string, amount *big.Int, tier int, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_logs (id, session_id, network_id, amount, tx_hash, tier, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'failed')`,
		uuid.New().String(), sessionID, networkID, amount.String(), txHash, tier)
	if err != nil {
		return dbError("record failed capture", err)
	}
	return nil
}

const candidateQuery = `
	SELECT ` + sessionColumns + `, pending.total::text
	FROM sessions,
	LATERAL (
		SELECT COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0) AS total
		FROM usage_logs WHERE usage_logs.session_id = sessions.id
	) AS pending
	WHERE sessions.status = 'active'`

// SessionsNeedingCaptureTier1 selects active sessions whose pending total has
// crossed the capture threshold.
func (s *PostgresStore) SessionsNeedingCaptureTier1(ctx context.Context, threshold *big.Int, limit int) ([]CaptureCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		candidateQuery+` AND pending.total >= $1::numeric ORDER BY pending.total DESC LIMIT $2`,
		threshold.String(), limit)
	if err != nil {
		return nil, dbError("tier1 candidates", err)
	}
	return scanCandidates(rows)
}

// SessionsNeedingCaptureTier2 selects active sessions with any pending amount
// whose authorization expires before the cutoff.
func (s *PostgresStore) SessionsNeedingCaptureTier2(ctx context.Context, expiryBefore time.Time, limit int) ([]CaptureCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		candidateQuery+` AND pending.total > 0 AND sessions.authorization_expiry <= $1
		ORDER BY sessions.authorization_expiry ASC LIMIT $2`,
		expiryBefore, limit)
	if err != nil {
		return nil, dbError("tier2 candidates", err)
	}
	return scanCandidates(rows)
}

// ActiveSessionsByPayer returns a payer's active sessions with their pending
// totals, for batch reclaim.
func (s *PostgresStore) ActiveSessionsByPayer(ctx context.Context, payer string) ([]CaptureCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		candidateQuery+` AND sessions.payer = $1`, types.NormalizeAddress(payer))
	if err != nil {
		return nil, dbError("active sessions by payer", err)
	}
	return scanCandidates(rows)
}

func scanCandidates(rows *sql.Rows) ([]CaptureCandidate, error) {
	defer rows.Close()
	var candidates []CaptureCandidate
	for rows.Next() {
		var sess Session
		var authorized, pending string
		if err := rows.Scan(&sess.ID, &sess.NetworkID, &sess.UserID, &sess.Payer,
			&sess.Receiver, &sess.Token, &authorized, &sess.PreApprovalExpiry,
			&sess.AuthorizationExpiry, &sess.RefundExpiry, &sess.Operator, &sess.Salt,
			&sess.MinFeeBps, &sess.MaxFeeBps, &sess.FeeReceiver, &sess.AuthorizeTxHash,
			&sess.VoidTxHash, &sess.TokenHash, &sess.Status, &sess.CreatedAt,
			&sess.UpdatedAt, &pending); err != nil {
			return nil, dbError("scan candidate", err)
		}
		var err error
		if sess.Authorized, err = parseNumeric(authorized); err != nil {
			return nil, err
		}
		pendingN, err := parseNumeric(pending)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, CaptureCandidate{Session: sess, Pending: pendingN})
	}
	return candidates, rows.Err()
}

// ListSessionsByPayer pages a payer's sessions with balances.
func (s *PostgresStore) ListSessionsByPayer(ctx context.Context, payer, status string, limit, offset int) ([]SessionWithBalance, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE payer = $1`
	args := []interface{}{types.NormalizeAddress(payer)}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, status, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	return s.listWithBalances(ctx, query, args...)
}

// ListSessionsByUser pages the sessions created through a user's API keys.
func (s *PostgresStore) ListSessionsByUser(ctx context.Context, userID string, limit, offset int) ([]SessionWithBalance, error) {
	return s.listWithBalances(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
}

func (s *PostgresStore) listWithBalances(ctx context.Context, query string, args ...interface{}) ([]SessionWithBalance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list sessions", err)
	}
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate sessions", err)
	}

	out := make([]SessionWithBalance, 0, len(sessions))
	for _, sess := range sessions {
		balance, err := s.balanceOf(ctx, s.db, sess)
		if err != nil {
			return nil, err
		}
		out = append(out, SessionWithBalance{Session: sess, Balance: balance})
	}
	return out, nil
}

// ListUsageLogs returns a session's usage logs, newest first.
func (s *PostgresStore) ListUsageLogs(ctx context.Context, sessionID string, limit int) ([]UsageLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, request_id, amount::text, description, status,
		       COALESCE(capture_log_id::text, ''), created_at
		FROM usage_logs WHERE session_id = $1
		ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, dbError("list usage logs", err)
	}
	defer rows.Close()

	var logs []UsageLog
	for rows.Next() {
		var l UsageLog
		var amount string
		if err := rows.Scan(&l.ID, &l.SessionID, &l.RequestID, &amount,
			&l.Description, &l.Status, &l.CaptureLogID, &l.CreatedAt); err != nil {
			return nil, dbError("scan usage log", err)
		}
		if l.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListCaptureLogs returns a session's capture logs, newest first.
func (s *PostgresStore) ListCaptureLogs(ctx context.Context, sessionID string) ([]CaptureLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, network_id, amount::text, tx_hash, tier, status, created_at
		FROM capture_logs WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, dbError("list capture logs", err)
	}
	defer rows.Close()

	var logs []CaptureLog
	for rows.Next() {
		var l CaptureLog
		var amount string
		if err := rows.Scan(&l.ID, &l.SessionID, &l.NetworkID, &amount,
			&l.TxHash, &l.Tier, &l.Status, &l.CreatedAt); err != nil {
			return nil, dbError("scan capture log", err)
		}
		if l.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetPayerStats aggregates totals across a payer's sessions.
func (s *PostgresStore) GetPayerStats(ctx context.Context, payer string) (PayerStats, error) {
	var stats PayerStats
	var authorized, captured, pending string
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COALESCE(SUM(authorized_amount), 0)::text,
			COALESCE((SELECT SUM(u.amount) FROM usage_logs u
			          JOIN sessions s2 ON s2.id = u.session_id
			          WHERE s2.payer = $1 AND u.status = 'settled'), 0)::text,
			COALESCE((SELECT SUM(u.amount) FROM usage_logs u
			          JOIN sessions s2 ON s2.id = u.session_id
			          WHERE s2.payer = $1 AND u.status = 'pending'), 0)::text
		FROM sessions WHERE payer = $1`, types.NormalizeAddress(payer)).
		Scan(&stats.TotalSessions, &stats.ActiveSessions, &authorized, &captured, &pending)
	if err != nil {
		return PayerStats{}, dbError("payer stats", err)
	}
	if stats.TotalAuthorized, err = parseNumeric(authorized); err != nil {
		return PayerStats{}, err
	}
	if stats.TotalCaptured, err = parseNumeric(captured); err != nil {
		return PayerStats{}, err
	}
	if stats.TotalPending, err = parseNumeric(pending); err != nil {
		return PayerStats{}, err
	}
	return stats, nil
}

func (s *PostgresStore) lockSession(ctx context.Context, tx *sql.Tx, sessionID string) (Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID)
	return scanSession(row)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return dbError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbError("commit transaction", err)
	}
	return nil
}

func parseNumeric(value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, types.NewError(types.ErrDBError, "non-numeric amount: %q", value)
	}
	return n, nil
}

func dbError(op string, err error) error {
	return types.NewError(types.ErrDBError, "%s: %v", op, err)
}
