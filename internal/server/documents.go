package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
)

const intakeFormField = "files"

// IntakeDocuments accepts a multipart batch under the "files" field.
func (s *Server) IntakeDocuments(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		AbortWithError(c, newValidationError("files", "invalid_files", "multipart form with files is required"))
		return
	}
	defer func() {
		_ = form.RemoveAll()
	}()

	headers := form.File[intakeFormField]
	if len(headers) == 0 {
		AbortWithError(c, documentdomain.ErrNoFiles)
		return
	}
	c.Set("document_count", len(headers))

	files := make([]documentdomain.IntakeFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, documentdomain.IntakeFile{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}

	resp, err := s.documentSvc.Intake(c.Request.Context(), documentdomain.IntakeRequest{
		CompanyID: companyIDFromContext(c),
		UserID:    userIDFromContext(c),
		Files:     files,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusAccepted
	if len(resp.Documents) == 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"data": resp})
}

// CompleteAnalysis receives completion reports from the analysis engine.
// Deliveries are acknowledged even when every report is skipped so the
// engine does not retry them.
func (s *Server) CompleteAnalysis(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.documentSvc.Complete(c.Request.Context(), body)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("document_count", result.Received)

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type resolveDocumentRequest struct {
	Status       string   `json:"status"`
	Notes        string   `json:"notes"`
	DuplicateIDs []string `json:"duplicate_ids"`
}

func (s *Server) ResolveDocument(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req resolveDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	duplicates := make([]snowflake.ID, 0, len(req.DuplicateIDs))
	for _, raw := range req.DuplicateIDs {
		dupID, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil || dupID <= 0 {
			AbortWithError(c, newValidationError("duplicate_ids", "invalid_duplicate_ids", "invalid duplicate id"))
			return
		}
		duplicates = append(duplicates, dupID)
	}

	resp, err := s.documentSvc.Resolve(c.Request.Context(), documentdomain.ResolveRequest{
		CompanyID:    companyIDFromContext(c),
		DocumentID:   id,
		ActingUserID: userIDFromContext(c),
		Status:       documentdomain.DocumentStatus(strings.TrimSpace(req.Status)),
		Notes:        strings.TrimSpace(req.Notes),
		DuplicateIDs: duplicates,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetDocument(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	doc, err := s.documentSvc.Get(c.Request.Context(), companyIDFromContext(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": doc})
}

func (s *Server) ListDocuments(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status     string `form:"status"`
		UploadedBy string `form:"uploaded_by"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	uploadedBy, err := parseOptionalSnowflakeID(query.UploadedBy)
	if err != nil {
		AbortWithError(c, newValidationError("uploaded_by", "invalid_uploaded_by", "invalid uploaded_by"))
		return
	}

	req := documentdomain.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		CompanyID: companyIDFromContext(c),
		Status:    strings.TrimSpace(query.Status),
	}
	if uploadedBy != nil {
		req.UploadedBy = *uploadedBy
	}

	resp, err := s.documentSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Documents, "page_info": resp.PageInfo})
}

func parseIDParam(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}
