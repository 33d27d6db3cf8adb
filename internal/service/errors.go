package service

import (
	"errors"

	"SafeHerHub/internal/models"
	apperrors "SafeHerHub/pkg/errors"
)

const (
	msgAlertNotFound = "Alert not found"
	msgChainNotFound = "Whisper chain not found"
	msgConflict      = "Alert was modified concurrently, please retry"
)

var errNotOwner = errors.New("caller does not own this alert")

// classify 把持久层错误映射为对外错误；action 用于 403 文案
func (s *AlertService) classify(err error, action string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrAlertNotFound):
		return apperrors.NotFound(msgAlertNotFound)
	case errors.Is(err, models.ErrChainNotFound):
		return apperrors.NotFound(msgChainNotFound)
	case errors.Is(err, models.ErrNotRecipient), errors.Is(err, errNotOwner):
		return apperrors.NotAuthorized("Not authorized to " + action + " this alert")
	case errors.Is(err, models.ErrVersionConflict):
		s.metrics.WriteConflict("alert")
		return apperrors.Conflict(msgConflict)
	default:
		return apperrors.Internal(err, "alert "+action+" failed")
	}
}
