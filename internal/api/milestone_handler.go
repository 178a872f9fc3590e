package api

import (
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/apperr"
	"escrowflow/internal/client"
	"escrowflow/internal/model"
	"escrowflow/internal/projection"
	"escrowflow/internal/service/escrow"
	"escrowflow/internal/service/milestone"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/rbac"
)

const maxUploadMemory = 32 << 20

type MilestoneHandler struct {
	milestones *milestone.Service
	escrow     *escrow.Coordinator
	storage    client.StorageClient
	logger     *zap.Logger
}

func NewMilestoneHandler(milestones *milestone.Service, coordinator *escrow.Coordinator, storage client.StorageClient, logger *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{
		milestones: milestones,
		escrow:     coordinator,
		storage:    storage,
		logger:     logger,
	}
}

type submitRequest struct {
	Files []model.FileRef `json:"files"`
	Notes string          `json:"notes"`
}

// Submit handles POST /milestones/:id/submit
// multipart：files + labels（与 files 一一对应）+ notes；JSON：已存储文件的元数据
func (h *MilestoneHandler) Submit(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	if err := rbac.Require(actor, rbac.PermissionSubmitMilestone); err != nil {
		respondError(c, h.logger, err)
		return
	}

	var req submitRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		files, notes, err := h.storeUploads(c)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		req = submitRequest{Files: files, Notes: notes}
	} else if !bindJSON(c, &req) {
		return
	}

	m, err := h.milestones.Submit(c.Request.Context(), milestone.SubmitInput{
		MilestoneID: c.Param("id"),
		Actor:       actor,
		Files:       req.Files,
		Notes:       req.Notes,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	view, err := projection.For(actor.Role, m, nil)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// storeUploads 文件先写入存储，任何失败都在状态流转之前中止
func (h *MilestoneHandler) storeUploads(c *gin.Context) ([]model.FileRef, string, error) {
	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, "", apperr.ErrInvalidInput.WithMessagef("invalid multipart form: %v", err)
	}
	form := c.Request.MultipartForm
	headers := form.File["files"]
	labels := form.Value["labels"]
	if len(headers) != len(labels) {
		return nil, "", apperr.ErrInvalidInput.WithMessagef("%d files but %d labels", len(headers), len(labels))
	}
	notes := ""
	if v := form.Value["notes"]; len(v) > 0 {
		notes = v[0]
	}

	refs := make([]model.FileRef, 0, len(headers))
	for i, fh := range headers {
		ref, err := h.putFile(c, fh)
		if err != nil {
			logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to store submission file",
				zap.String("milestone_id", c.Param("id")),
				zap.String("file", fh.Filename),
				zap.Error(err),
			)
			return nil, "", apperr.ErrStorageFailed.WithMessagef("store %s", fh.Filename).Wrap(err)
		}
		ref.Label = labels[i]
		refs = append(refs, ref)
	}
	return refs, notes, nil
}

func (h *MilestoneHandler) putFile(c *gin.Context, fh *multipart.FileHeader) (model.FileRef, error) {
	f, err := fh.Open()
	if err != nil {
		return model.FileRef{}, err
	}
	defer f.Close()
	return h.storage.PutFile(c.Request.Context(), fh.Filename, f)
}

// Get handles GET /milestones/:id，按调用方角色投影
func (h *MilestoneHandler) Get(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	if err := rbac.Require(actor, rbac.PermissionReadMilestone); err != nil {
		respondError(c, h.logger, err)
		return
	}
	ctx := c.Request.Context()
	m, err := h.milestones.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	var events []model.AuditEvent
	if rbac.HasPermission(actor.Role, rbac.PermissionReadAudit) {
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
	c.JSON(http.StatusOK, view)
}

// AuditTrail handles GET /milestones/:id/audit
func (h *MilestoneHandler) AuditTrail(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	if err := rbac.Require(actor, rbac.PermissionReadAudit); err != nil {
		respondError(c, h.logger, err)
		return
	}
	trail, err := h.milestones.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, trail)
}

type noteRequest struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

// ForceRelease handles POST /milestones/:id/force-release
func (h *MilestoneHandler) ForceRelease(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	m, err := h.escrow.ForceRelease(c.Request.Context(), c.Param("id"), actor, req.Note)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.respondView(c, actor, m)
}

// ForceReject handles POST /milestones/:id/force-reject
func (h *MilestoneHandler) ForceReject(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	m, err := h.milestones.ForceReject(c.Request.Context(), c.Param("id"), actor, req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.respondView(c, actor, m)
}

// ClearHold handles POST /milestones/:id/clear-hold
func (h *MilestoneHandler) ClearHold(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	m, err := h.milestones.ClearHold(c.Request.Context(), c.Param("id"), actor, req.Note)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.respondView(c, actor, m)
}

func (h *MilestoneHandler) respondView(c *gin.Context, actor model.Actor, m *model.Milestone) {
	view, err := projection.For(actor.Role, m, nil)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
