package dispatch

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("dispatch",
	fx.Provide(NewSubscriptionEndpoints),
	fx.Provide(NewHTTPDispatcher),
	fx.Provide(func(d *HTTPDispatcher) Dispatcher { return d }),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, d *HTTPDispatcher) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return d.Stop(ctx)
		},
	})
}
