package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/fiscaldoc/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	conn := dbtest.Open(t)
	require.NoError(t, conn.Exec(`CREATE TABLE company_members (
		id INTEGER PRIMARY KEY,
		company_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		role TEXT NOT NULL
	)`).Error)
	require.NoError(t, conn.Exec(
		`INSERT INTO company_members (id, company_id, user_id, role) VALUES
		(1, 100, 10, 'OWNER'),
		(2, 100, 11, 'ADMIN'),
		(3, 100, 12, 'MANAGER'),
		(4, 100, 13, 'COLLABORATOR')`,
	).Error)

	enforcer, err := NewEnforcer(conn)
	require.NoError(t, err)
	return NewService(Params{DB: conn, Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeByRole(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		actor   string
		object  string
		action  string
		allowed bool
	}{
		{"owner deletes company", "user:10", ObjectCompany, ActionCompanyDelete, true},
		{"admin activates subscription", "user:11", ObjectSubscription, ActionSubscriptionActivate, true},
		{"admin cannot delete company", "user:11", ObjectCompany, ActionCompanyDelete, false},
		{"manager resolves document", "user:12", ObjectDocument, ActionDocumentResolve, true},
		{"manager cannot top up", "user:12", ObjectWallet, ActionWalletTopUp, false},
		{"collaborator uploads", "user:13", ObjectDocument, ActionDocumentIntake, true},
		{"collaborator cannot resolve", "user:13", ObjectDocument, ActionDocumentResolve, false},
		{"collaborator cannot activate", "user:13", ObjectSubscription, ActionSubscriptionActivate, false},
		{"system verifies company", "system", ObjectCompany, ActionCompanyVerify, true},
		{"owner cannot verify company", "user:10", ObjectCompany, ActionCompanyVerify, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, "100", tc.object, tc.action)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestAuthorizeRejectsUnknownActors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, "user:99", "100", ObjectDocument, ActionDocumentView), ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:10", "200", ObjectDocument, ActionDocumentView), ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, "robot", "100", ObjectDocument, ActionDocumentView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:abc", "100", ObjectDocument, ActionDocumentView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:10", "", ObjectDocument, ActionDocumentView), ErrInvalidOrganization)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:10", "100", "", ActionDocumentView), ErrInvalidObject)
}
