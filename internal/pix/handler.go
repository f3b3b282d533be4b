package pix

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/n3health/pix/internal/platform/auth"
	"github.com/n3health/pix/internal/platform/fault"
	"github.com/n3health/pix/pkg/pagination"
)

// Handler exposes the cross-reference operations over HTTP.
type Handler struct {
	svc    *Service
	tokens *auth.Manager
}

// NewHandler creates the HTTP handler.
func NewHandler(svc *Service, tokens *auth.Manager) *Handler {
	return &Handler{svc: svc, tokens: tokens}
}

// RegisterRoutes mounts the registry surface on pixGroup and the
// administrative surface on adminGroup. adminGroup is expected to be guarded
// by the admin JWT middleware.
func (h *Handler) RegisterRoutes(pixGroup, adminGroup *echo.Group) {
	pixGroup.POST("/patients", h.AddPatient)
	pixGroup.PUT("/patients", h.UpdatePatient)
	pixGroup.POST("/patients/search", h.SearchPatients)

	adminGroup.POST("/merge", h.Merge)
	adminGroup.GET("/tokens", h.ListTokens)
	adminGroup.POST("/tokens", h.CreateToken)
	adminGroup.POST("/tokens/:id/rotate", h.RotateToken)
	adminGroup.DELETE("/tokens/:id", h.RevokeToken)
}

// ---------------------------------------------------------------------------
// Registry surface
// ---------------------------------------------------------------------------

// addPatientRequest carries the system credential and organization alongside
// the patient record, mirroring the registry call contract.
type addPatientRequest struct {
	GUID    string        `json:"guid"`
	OrgID   string        `json:"idLpu"`
	Patient PatientRecord `json:"patient"`
}

func (h *Handler) AddPatient(c echo.Context) error {
	var req addPatientRequest
	if err := c.Bind(&req); err != nil {
		return respondFault(c, fault.Validation("body", "malformed request"))
	}
	c.Set("caller_org", req.OrgID)

	view, err := h.svc.AddPatient(c.Request().Context(), req.GUID, req.OrgID, &req.Patient)
	if err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var req addPatientRequest
	if err := c.Bind(&req); err != nil {
		return respondFault(c, fault.Validation("body", "malformed request"))
	}
	c.Set("caller_org", req.OrgID)

	view, err := h.svc.UpdatePatient(c.Request().Context(), req.GUID, req.OrgID, &req.Patient)
	if err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type searchRequest struct {
	GUID       string         `json:"guid"`
	OrgID      string         `json:"idLpu"`
	SourceType string         `json:"sourceType,omitempty"`
	Criteria   SearchCriteria `json:"criteria"`
}

func (h *Handler) SearchPatients(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return respondFault(c, fault.Validation("body", "malformed request"))
	}
	c.Set("caller_org", req.OrgID)

	pg := pagination.FromContext(c)
	views, total, err := h.svc.GetPatient(c.Request().Context(),
		req.GUID, req.OrgID, req.Criteria, req.SourceType, pg.Limit, pg.Offset)
	if err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

type mergeRequest struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

func (h *Handler) Merge(c echo.Context) error {
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return respondFault(c, fault.Validation("body", "malformed request"))
	}

	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		return respondFault(c, fault.Validation("sourceId", "must be a uuid"))
	}
	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		return respondFault(c, fault.Validation("targetId", "must be a uuid"))
	}

	if err := h.svc.Merge(c.Request().Context(), sourceID, targetID); err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"sourceId": sourceID.String(),
		"targetId": targetID.String(),
		"status":   "merged",
	})
}

type createTokenRequest struct {
	Name      string     `json:"name"`
	OrgScopes []string   `json:"orgScopes"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// createTokenResponse carries the raw token exactly once, at issuance.
type createTokenResponse struct {
	*auth.AccessToken
	Token string `json:"token"`
}

func (h *Handler) CreateToken(c echo.Context) error {
	var req createTokenRequest
	if err := c.Bind(&req); err != nil {
		return respondFault(c, fault.Validation("body", "malformed request"))
	}
	if req.Name == "" {
		return respondFault(c, fault.Validation("name", "is required"))
	}
	if len(req.OrgScopes) == 0 {
		return respondFault(c, fault.Validation("orgScopes", "at least one organization scope is required"))
	}

	token, raw, err := h.tokens.Issue(c.Request().Context(), req.Name, req.OrgScopes, req.ExpiresAt)
	if err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusCreated, createTokenResponse{AccessToken: token, Token: raw})
}

func (h *Handler) ListTokens(c echo.Context) error {
	pg := pagination.FromContext(c)
	tokens, total, err := h.tokens.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(tokens, total, pg.Limit, pg.Offset))
}

// RotateToken revokes the named token and issues a replacement with the same
// name, scopes, and expiry. The new raw token is returned exactly once.
func (h *Handler) RotateToken(c echo.Context) error {
	id := c.Param("id")
	token, raw, err := h.tokens.Rotate(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			return respondFault(c, fault.NotFound("access token not found"))
		}
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, createTokenResponse{AccessToken: token, Token: raw})
}

func (h *Handler) RevokeToken(c echo.Context) error {
	id := c.Param("id")
	if err := h.tokens.Revoke(c.Request().Context(), id); err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			return respondFault(c, fault.NotFound("access token not found"))
		}
		return respondFault(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// respondFault translates any error into the stable fault JSON with its
// mapped HTTP status.
func respondFault(c echo.Context, err error) error {
	f := fault.From(err)
	return c.JSON(fault.HTTPStatus(f.ErrorCode), f)
}
