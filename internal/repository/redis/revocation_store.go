package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admission-service/internal/admission"
	"admission-service/internal/client"
	"admission-service/internal/util"
)

// RevocationStore tracks revoked bearer credentials by hash. Every entry expires
// together with the credential it denies, so the store cleans itself.
type RevocationStore struct {
	client *client.RedisClient
}

func NewRevocationStore(client *client.RedisClient) *RevocationStore {
	return &RevocationStore{client: client}
}

// Revoke denies tokenHash for remainingTTL. A credential that has already
// expired needs no entry, so remainingTTL <= 0 is a no-op.
func (s *RevocationStore) Revoke(ctx context.Context, tokenHash, subjectID string, remainingTTL time.Duration) (bool, error) {
	if tokenHash == "" {
		return false, fmt.Errorf("%w: token hash is required", admission.ErrInvalidInput)
	}
	if remainingTTL <= 0 {
		util.Warn("Skipping revocation of an already expired credential",
			zap.String("subject_id", subjectID),
			zap.Duration("remaining_ttl", remainingTTL))
		return false, nil
	}

	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	if err := s.client.Client.Set(ctx, revocationKey(tokenHash), subjectID, remainingTTL).Err(); err != nil {
		util.Error("Failed to revoke credential", zap.String("subject_id", subjectID), zap.Error(err))
		return false, fmt.Errorf("%w: revoke: %v", admission.ErrStoreUnavailable, err)
	}

	util.Info("Credential revoked",
		zap.String("subject_id", subjectID),
		zap.Duration("ttl", remainingTTL))
	return true, nil
}

// IsRevoked is a single EXISTS. On store failure it reports (false, err
// wrapping ErrStoreUnavailable).
func (s *RevocationStore) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	exists, err := s.client.Exists(ctx, revocationKey(tokenHash))
	if err != nil {
		util.Error("Revocation lookup failed, treating credential as valid", zap.Error(err))
		return false, fmt.Errorf("%w: revocation lookup: %v", admission.ErrStoreUnavailable, err)
	}
	return exists, nil
}

// Restore removes a revocation, reporting whether one existed.
func (s *RevocationStore) Restore(ctx context.Context, tokenHash string) (bool, error) {
	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	n, err := s.client.Del(ctx, revocationKey(tokenHash))
	if err != nil {
		util.Error("Failed to restore credential", zap.Error(err))
		return false, fmt.Errorf("%w: restore: %v", admission.ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// RevokedCount is an approximate SCAN based count for dashboards only.
func (s *RevocationStore) RevokedCount(ctx context.Context) (int64, error) {
	ctx, cancel := s.client.WithContext(ctx, 10*s.client.OpTimeout())
	defer cancel()

	keys, err := s.client.ScanKeys(ctx, revocationPrefix+"*", scanBatchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: count revocations: %v", admission.ErrStoreUnavailable, err)
	}
	return int64(len(keys)), nil
}
