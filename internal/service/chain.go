package service

import (
	"context"
	"errors"
	"fmt"

	"SafeHerHub/internal/models"
	apperrors "SafeHerHub/pkg/errors"
)

// ReplaceChain 整体替换耳语链。create 为 true 时不存在则创建，否则 404
func (s *AlertService) ReplaceChain(ctx context.Context, userID string, contacts []models.ChainContact, create bool) (*models.WhisperChain, error) {
	if err := s.checkContacts(ctx, contacts); err != nil {
		return nil, err
	}
	now := s.now()
	replace := func(w *models.WhisperChain) error {
		w.ReplaceMembers(contacts, now)
		return nil
	}

	var (
		chain *models.WhisperChain
		err   error
	)
	if create {
		chain, err = models.UpsertWhisperChain(ctx, s.db, userID, replace)
	} else {
		chain, err = models.UpdateWhisperChain(ctx, s.db, userID, replace)
	}
	if err != nil {
		return nil, s.chainErr(err, "replace")
	}
	s.invalidateStats(ctx, userID)
	return chain, nil
}

// checkContacts 每个联系人都必须是已注册用户，且不能重复
func (s *AlertService) checkContacts(ctx context.Context, contacts []models.ChainContact) error {
	seen := make(map[string]struct{}, len(contacts))
	ids := make([]string, 0, len(contacts))
	for i, c := range contacts {
		if _, dup := seen[c.ContactID]; dup {
			return apperrors.Validation("Duplicate contacts are not allowed", apperrors.FieldError{
				Field:   fmt.Sprintf("contacts[%d].contactId", i),
				Message: "Duplicate contact",
				Value:   c.ContactID,
			})
		}
		seen[c.ContactID] = struct{}{}
		ids = append(ids, c.ContactID)
	}
	found, err := models.CountUsers(ctx, s.db, ids)
	if err != nil {
		return apperrors.Internal(err, "check contacts failed")
	}
	if found != int64(len(ids)) {
		return apperrors.Validation("Some contacts not found")
	}
	return nil
}

// GetChain 不存在时返回 nil, nil
func (s *AlertService) GetChain(ctx context.Context, userID string) (*models.WhisperChain, error) {
	chain, err := models.GetWhisperChain(ctx, s.db, userID)
	if errors.Is(err, models.ErrChainNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err, "load whisper chain failed")
	}
	return chain, nil
}

// OptimizeChain 按历史响应时间重排优先级
func (s *AlertService) OptimizeChain(ctx context.Context, userID string) (*models.WhisperChain, error) {
	chain, err := models.UpdateWhisperChain(ctx, s.db, userID, func(w *models.WhisperChain) error {
		w.OptimizeChain()
		return nil
	})
	if err != nil {
		return nil, s.chainErr(err, "optimize")
	}
	s.invalidateStats(ctx, userID)
	return chain, nil
}

func (s *AlertService) chainErr(err error, action string) error {
	switch {
	case errors.Is(err, models.ErrChainNotFound):
		return apperrors.NotFound(msgChainNotFound)
	case errors.Is(err, models.ErrVersionConflict):
		s.metrics.WriteConflict("whisper_chain")
		return apperrors.Conflict("Whisper chain was modified concurrently, please retry")
	default:
		return apperrors.Internal(err, "whisper chain "+action+" failed")
	}
}
