package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
)

type walletView struct {
	Owner   ledgerdomain.WalletOwner `json:"owner"`
	Balance int64                    `json:"balance"`
}

func (s *Server) GetCompanyWallet(c *gin.Context) {
	s.walletBalance(c, ledgerdomain.CompanyWallet(companyIDFromContext(c)))
}

func (s *Server) GetMyWallet(c *gin.Context) {
	s.walletBalance(c, ledgerdomain.UserWallet(userIDFromContext(c)))
}

func (s *Server) ListCompanyTransactions(c *gin.Context) {
	s.walletTransactions(c, ledgerdomain.CompanyWallet(companyIDFromContext(c)))
}

func (s *Server) ListMyTransactions(c *gin.Context) {
	s.walletTransactions(c, ledgerdomain.UserWallet(userIDFromContext(c)))
}

func (s *Server) walletBalance(c *gin.Context, owner ledgerdomain.WalletOwner) {
	balance, err := s.ledgerSvc.Balance(c.Request.Context(), owner)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": walletView{Owner: owner, Balance: balance}})
}

func (s *Server) walletTransactions(c *gin.Context, owner ledgerdomain.WalletOwner) {
	var query struct {
		pagination.Pagination
		Kind string `form:"kind"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Owner: owner,
		Kind:  ledgerdomain.TransactionKind(strings.ToUpper(strings.TrimSpace(query.Kind))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}

type topUpRequest struct {
	// UserID targets a member wallet; empty credits the company wallet.
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) TopUpWallet(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}

	var target snowflake.ID
	if raw := strings.TrimSpace(req.UserID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
			return
		}
		target = parsed
	}

	resp, err := s.organizationSvc.TopUp(c.Request.Context(), organizationdomain.TopUpRequest{
		CompanyID:    companyIDFromContext(c),
		UserID:       target,
		Amount:       req.Amount,
		Description:  strings.TrimSpace(req.Description),
		ActingUserID: userIDFromContext(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
