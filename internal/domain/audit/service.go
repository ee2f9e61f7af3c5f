package audit

import (
	"context"

	"github.com/medvault/medvault/internal/platform/apperr"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Search(ctx context.Context, f Filter, limit, offset int) ([]AccessEvent, int, error) {
	switch f.Outcome {
	case "", OutcomeSuccess, OutcomeDenied:
	default:
		return nil, 0, apperr.Newf(apperr.ValidationFailed, "unknown outcome %q", f.Outcome)
	}
	return s.repo.Search(ctx, f, limit, offset)
}
