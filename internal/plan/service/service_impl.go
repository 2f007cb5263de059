package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  plandomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  plandomain.Repository
	clock clock.Clock
}

func NewService(p Params) plandomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plan.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

// NormalizeSlug turns user input such as "Professional " into "professional".
func NormalizeSlug(raw string) string {
	return slug.Make(strings.TrimSpace(raw))
}

func (s *Service) GetBySlug(ctx context.Context, raw string) (*plandomain.Plan, error) {
	normalized := NormalizeSlug(raw)
	if normalized == "" {
		return nil, plandomain.ErrInvalidSlug
	}
	plan, err := s.repo.FindBySlug(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*plandomain.Plan, error) {
	plan, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.Plan, error) {
	return s.repo.List(ctx, s.db, true)
}

func (s *Service) EnsureDefaults(ctx context.Context) error {
	now := s.clock.Now()
	for _, def := range plandomain.Defaults {
		plan := def
		plan.ID = s.genID.Generate()
		plan.Slug = NormalizeSlug(plan.Slug)
		plan.CreatedAt = now
		plan.UpdatedAt = now
		if err := s.repo.Upsert(ctx, s.db, &plan); err != nil {
			return err
		}
	}
	s.log.Info("default plans ensured", zap.Int("count", len(plandomain.Defaults)))
	return nil
}
