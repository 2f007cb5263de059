package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/dispatch"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	"gorm.io/gorm"
)

type deliveryRecorder struct {
	db   *gorm.DB
	repo documentdomain.Repository
}

// NewDeliveryRecorder stamps dispatched_at once the analysis engine accepted a document.
func NewDeliveryRecorder(db *gorm.DB, repo documentdomain.Repository) dispatch.DeliveryRecorder {
	return &deliveryRecorder{db: db, repo: repo}
}

func (r *deliveryRecorder) MarkDispatched(ctx context.Context, id snowflake.ID, at time.Time) error {
	return r.repo.MarkDispatched(ctx, r.db, id, at)
}
