package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/audit"
	"github.com/chimerakang/authctx-go/impersonation"
	"github.com/chimerakang/authctx-go/middleware/ginmw"
	"github.com/chimerakang/authctx-go/oauth2"
	"github.com/gin-gonic/gin"
)

// MembershipView is the wire form of a membership.
type MembershipView struct {
	TenantID  string    `json:"tenantId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// MeResponse describes the caller's authorization context.
type MeResponse struct {
	UserID          string           `json:"userId"`
	Email           string           `json:"email,omitempty"`
	IsPlatformAdmin bool             `json:"isPlatformAdmin"`
	Memberships     []MembershipView `json:"memberships"`
	ActiveTenantID  string           `json:"activeTenantId,omitempty"`
	ActiveRole      string           `json:"activeRole,omitempty"`
	Standing        string           `json:"standing"`
}

// ListResponse is a page of a directory listing.
type ListResponse[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// UserView is the wire form of a user.
type UserView struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name,omitempty"`
	IsPlatformAdmin bool      `json:"isPlatformAdmin"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
}

// TenantView is the wire form of a tenant.
type TenantView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

func (s *Server) me(c *gin.Context) {
	ac, _ := ginmw.GetAuthorization(c)
	resp := MeResponse{
		UserID:          ac.Principal.ID,
		Email:           ac.Principal.Email,
		IsPlatformAdmin: ac.IsPlatformAdmin,
		Memberships:     make([]MembershipView, 0, len(ac.Memberships)),
		ActiveTenantID:  ac.ActiveTenantID,
		ActiveRole:      string(ac.ActiveRole),
		Standing:        ac.Standing().String(),
	}
	for _, m := range ac.Memberships {
		resp.Memberships = append(resp.Memberships, MembershipView{
			TenantID:  m.TenantID,
			Role:      string(m.Role),
			CreatedAt: m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) token(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	grant := c.PostForm("grant_type")
	if grant != oauth2.GrantRefreshToken {
		c.JSON(http.StatusBadRequest, oauth2.ErrorResponse{
			Error:       oauth2.ErrorUnsupportedGrantType,
			Description: "only refresh_token is supported",
		})
		return
	}
	refreshToken := c.PostForm("refresh_token")
	if refreshToken == "" {
		c.JSON(http.StatusBadRequest, oauth2.ErrorResponse{
			Error:       oauth2.ErrorInvalidRequest,
			Description: "refresh_token is required",
		})
		return
	}

	ctx := c.Request.Context()
	sess, err := s.deps.Refresher.Refresh(ctx, refreshToken)
	if err != nil {
		code, status := oauth2.ErrorCode(err)
		s.audit.LogContext(ctx, audit.Event{
			Action:    audit.ActionTokenRefresh,
			Result:    audit.ResultFailure,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Error:     err.Error(),
		})
		if status >= http.StatusInternalServerError {
			s.logger.Warn("token refresh failed", "error", err)
		}
		c.JSON(status, oauth2.ErrorResponse{Error: code})
		return
	}

	s.audit.LogContext(ctx, audit.Event{
		Action:    audit.ActionTokenRefresh,
		Result:    audit.ResultSuccess,
		ActorID:   sess.Principal.ID,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	c.JSON(http.StatusOK, oauth2.NewTokenResponse(sess, s.now()))
}

func (s *Server) impersonate(c *gin.Context) {
	var req impersonation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, impersonation.Response{
			Error:   impersonation.CodeInvalidRequest,
			Message: "malformed request body",
		})
		return
	}

	g, err := s.deps.Impersonator.Impersonate(c.Request.Context(), bearerToken(c.Request), req.TargetUserID)
	if err != nil {
		status, resp := impersonation.ErrorResponse(err)
		c.JSON(status, resp)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, impersonation.NewResponse(g))
}

func (s *Server) listUsers(c *gin.Context) {
	opts, ok := listOptions(c)
	if !ok {
		return
	}
	users, total, err := s.deps.Client.Users().List(c.Request.Context(), opts)
	if err != nil {
		s.listFailed(c, "users", err)
		return
	}
	s.auditList(c, "users")

	items := make([]UserView, 0, len(users))
	for _, u := range users {
		items = append(items, UserView{
			ID:              u.ID,
			Email:           u.Email,
			Name:            u.Name,
			IsPlatformAdmin: u.IsPlatformAdmin,
			CreatedAt:       u.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, ListResponse[UserView]{Items: items, Total: total, Page: opts.Page, PageSize: opts.PageSize})
}

func (s *Server) listTenants(c *gin.Context) {
	opts, ok := listOptions(c)
	if !ok {
		return
	}
	tenants, total, err := s.deps.Client.Tenants().List(c.Request.Context(), opts)
	if err != nil {
		s.listFailed(c, "tenants", err)
		return
	}
	s.auditList(c, "tenants")

	items := make([]TenantView, 0, len(tenants))
	for _, t := range tenants {
		items = append(items, TenantView{
			ID:        t.ID,
			Name:      t.Name,
			Status:    string(t.Status),
			CreatedAt: t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, ListResponse[TenantView]{Items: items, Total: total, Page: opts.Page, PageSize: opts.PageSize})
}

func (s *Server) listFailed(c *gin.Context, resource string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("admin listing failed", "resource", resource, "error", err)
	}
	msg := "listing failed"
	if errors.Is(err, authctx.ErrBackendUnavailable) {
		msg = "directory unavailable"
	}
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) auditList(c *gin.Context, resource string) {
	s.audit.LogContext(c.Request.Context(), audit.Event{
		Action:    audit.ActionAdminList,
		Result:    audit.ResultSuccess,
		ActorID:   ginmw.GetUserID(c),
		Resource:  resource,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
}

// listOptions reads page and page_size. Invalid values abort with 400.
func listOptions(c *gin.Context) (authctx.ListOptions, bool) {
	var opts authctx.ListOptions
	for name, dst := range map[string]*int{"page": &opts.Page, "page_size": &opts.PageSize} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
			return opts, false
		}
		*dst = n
	}
	return opts.Normalize(), true
}
