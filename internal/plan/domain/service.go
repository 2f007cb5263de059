package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetBySlug(ctx context.Context, slug string) (*Plan, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Plan, error)
	List(ctx context.Context) ([]Plan, error)
	// EnsureDefaults inserts or refreshes the built-in tiers.
	EnsureDefaults(ctx context.Context) error
}

var (
	ErrInvalidSlug  = errors.New("invalid_plan_slug")
	ErrPlanNotFound = errors.New("plan_not_found")
	ErrPlanInactive = errors.New("plan_inactive")
)

// Defaults are the tiers every installation starts with.
var Defaults = []Plan{
	{Slug: "starter", Name: "Starter", MonthlyCost: 50, AnalysisCost: 10, WelcomeBonus: 0, SeatLimit: 3, WorkflowTemplate: "fiscal-analysis-basic", Active: true},
	{Slug: "professional", Name: "Professional", MonthlyCost: 150, AnalysisCost: 5, WelcomeBonus: 50, SeatLimit: 10, WorkflowTemplate: "fiscal-analysis-pro", Active: true},
	{Slug: "enterprise", Name: "Enterprise", MonthlyCost: 500, AnalysisCost: 2, WelcomeBonus: 200, SeatLimit: 0, WorkflowTemplate: "fiscal-analysis-enterprise", Active: true},
}
