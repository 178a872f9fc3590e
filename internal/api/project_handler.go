package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/model"
	"escrowflow/internal/projection"
	"escrowflow/internal/service/milestone"
	"escrowflow/internal/service/project"
	"escrowflow/pkg/rbac"
)

type ProjectHandler struct {
	projects   *project.Service
	milestones *milestone.Service
	logger     *zap.Logger
}

func NewProjectHandler(projects *project.Service, milestones *milestone.Service, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{
		projects:   projects,
		milestones: milestones,
		logger:     logger,
	}
}

type projectResponse struct {
	Project    *model.Project     `json:"project"`
	Milestones []*model.Milestone `json:"milestones"`
}

// Create handles POST /projects
func (h *ProjectHandler) Create(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var in project.CreateProjectInput
	if !bindJSON(c, &in) {
		return
	}
	p, milestones, err := h.projects.CreateProject(c.Request.Context(), actor, in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, projectResponse{Project: p, Milestones: milestones})
}

// Amend handles POST /projects/:id/amend
func (h *ProjectHandler) Amend(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var in project.AmendInput
	if !bindJSON(c, &in) {
		return
	}
	p, milestones, err := h.projects.AmendProject(c.Request.Context(), actor, c.Param("id"), in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, projectResponse{Project: p, Milestones: milestones})
}

// Summary handles GET /projects/:id
func (h *ProjectHandler) Summary(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	if err := rbac.Require(actor, rbac.PermissionReadMilestone); err != nil {
		respondError(c, h.logger, err)
		return
	}
	sum, err := h.projects.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ListMilestones handles GET /projects/:id/milestones
func (h *ProjectHandler) ListMilestones(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	if err := rbac.Require(actor, rbac.PermissionReadMilestone); err != nil {
		respondError(c, h.logger, err)
		return
	}
	ctx := c.Request.Context()
	milestones, err := h.milestones.ListByProject(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	withEvents := actor.Role == model.RoleCompany
	views := make([]projection.View, 0, len(milestones))
	for _, m := range milestones {
		var events []model.AuditEvent
		if withEvents {
			trail, err := h.milestones.AuditTrail(ctx, m.ID)
			if err != nil {
				respondError(c, h.logger, err)
				return
			}
			events = trail.Events
		}
		view, err := projection.For(actor.Role, m, events)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"milestones": views})
}
