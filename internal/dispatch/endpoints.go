package dispatch

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
)

type subscriptionEndpoints struct {
	subscriptions subscriptiondomain.Service
}

// NewSubscriptionEndpoints resolves endpoints from the company's ACTIVE subscription.
func NewSubscriptionEndpoints(subscriptions subscriptiondomain.Service) EndpointResolver {
	return &subscriptionEndpoints{subscriptions: subscriptions}
}

func (r *subscriptionEndpoints) WebhookURL(ctx context.Context, companyID snowflake.ID) (string, error) {
	subscription, err := r.subscriptions.GetActive(ctx, companyID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if subscription.WebhookURL == nil {
		return "", nil
	}
	return *subscription.WebhookURL, nil
}
