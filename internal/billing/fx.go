package billing

import (
	"github.com/smallbiznis/fiscaldoc/internal/billing/repository"
	"github.com/smallbiznis/fiscaldoc/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.resolver",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
