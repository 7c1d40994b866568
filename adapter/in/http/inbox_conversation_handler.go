package http

import (
	"inbox_server/core/domain"
	"inbox_server/core/port/in"

	"github.com/gofiber/fiber/v2"
)

// =============================================================================
// Conversation Handler
// =============================================================================

// ConversationHandler serves the inbox read/triage endpoints.
type ConversationHandler struct {
	conversations in.ConversationService
	bodies        in.BodyService
}

// NewConversationHandler creates a new ConversationHandler.
func NewConversationHandler(conversations in.ConversationService, bodies in.BodyService) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		bodies:        bodies,
	}
}

// Register registers conversation routes.
func (h *ConversationHandler) Register(app fiber.Router) {
	conv := app.Group("/conversations")
	conv.Get("/", h.List)
	conv.Get("/work-queue", h.WorkQueue)
	conv.Get("/:id", h.Get)
	conv.Delete("/:id", h.Delete)
	conv.Get("/:id/messages", h.ListMessages)
	conv.Patch("/:id/read", h.SetRead)
	conv.Patch("/:id/favorite", h.SetFavorite)
	conv.Patch("/:id/assign", h.Assign)
	conv.Patch("/:id/stage", h.SetStage)
	conv.Patch("/:id/status", h.SetStatus)

	app.Get("/messages/:id/body", h.GetBody)
}

// List returns a filtered conversation page.
func (h *ConversationHandler) List(c *fiber.Ctx) error {
	workspaceID, userID, err := GetIdentity(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	pagination := GetPagination(c, 20, 100)
	filter := &domain.ConversationFilter{
		WorkspaceID:  workspaceID,
		ViewerID:     userID,
		Channel:      domain.Channel(c.Query("channel")),
		AccountID:    c.Query("account_id"),
		Folder:       c.Query("folder"),
		Status:       domain.ConversationStatus(c.Query("status")),
		Search:       c.Query("search"),
		UnreadOnly:   c.QueryBool("unread_only", false),
		FavoriteOnly: c.QueryBool("favorite_only", false),
		Limit:        pagination.Limit,
		Offset:       pagination.Offset,
	}
	if v := c.Query("assigned_to"); c.Request().URI().QueryArgs().Has("assigned_to") {
		filter.AssignedTo = &v
	}
	if v := c.Query("stage_id"); c.Request().URI().QueryArgs().Has("stage_id") {
		filter.StageID = &v
	}

	conversations, total, err := h.conversations.List(c.Context(), filter)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	return SuccessResponse(c, fiber.Map{
		"conversations": conversations,
		"total":         total,
		"limit":         pagination.Limit,
		"offset":        pagination.Offset,
	})
}

// WorkQueue returns conversations needing attention, oldest inbound
// first.
func (h *ConversationHandler) WorkQueue(c *fiber.Ctx) error {
	workspaceID, userID, err := GetIdentity(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	pagination := GetPagination(c, 20, 100)
	conversations, total, err := h.conversations.WorkQueue(c.Context(), workspaceID, userID, pagination.Limit, pagination.Offset)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	return SuccessResponse(c, fiber.Map{
		"conversations": conversations,
		"total":         total,
		"limit":         pagination.Limit,
		"offset":        pagination.Offset,
	})
}

func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	workspaceID, userID, err := GetIdentity(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	conv, err := h.conversations.Get(c.Context(), workspaceID, userID, c.Params("id"))
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, conv)
}

func (h *ConversationHandler) ListMessages(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	pagination := GetPagination(c, 50, 200)
	messages, err := h.conversations.ListMessages(c.Context(), workspaceID, c.Params("id"), pagination.Limit, pagination.Offset)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"messages": messages})
}

// GetBody serves the lazily fetched full body of one message.
func (h *ConversationHandler) GetBody(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	body, err := h.bodies.GetBody(c.Context(), workspaceID, c.Params("id"))
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, body)
}

// =============================================================================
// Triage updates
// =============================================================================

type readRequest struct {
	IsRead bool `json:"is_read"`
}

func (h *ConversationHandler) SetRead(c *fiber.Ctx) error {
	workspaceID, userID, err := GetIdentity(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	req := readRequest{IsRead: true}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return ErrorResponse(c, 400, "invalid request body")
		}
	}

	if err := h.conversations.SetRead(c.Context(), workspaceID, userID, c.Params("id"), req.IsRead); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"is_read": req.IsRead})
}

type favoriteRequest struct {
	IsFavorite bool `json:"is_favorite"`
}

func (h *ConversationHandler) SetFavorite(c *fiber.Ctx) error {
	workspaceID, userID, err := GetIdentity(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req favoriteRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}

	if err := h.conversations.SetFavorite(c.Context(), workspaceID, userID, c.Params("id"), req.IsFavorite); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"is_favorite": req.IsFavorite})
}

type assignRequest struct {
	// AssignedTo null clears the assignment.
	AssignedTo *string `json:"assigned_to"`
}

func (h *ConversationHandler) Assign(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req assignRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}

	if err := h.conversations.Assign(c.Context(), workspaceID, c.Params("id"), req.AssignedTo); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"assigned_to": req.AssignedTo})
}

type stageRequest struct {
	// StageID null clears the stage.
	StageID *string `json:"stage_id"`
}

func (h *ConversationHandler) SetStage(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req stageRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}

	if err := h.conversations.SetStage(c.Context(), workspaceID, c.Params("id"), req.StageID); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"stage_id": req.StageID})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *ConversationHandler) SetStatus(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}

	if err := h.conversations.SetStatus(c.Context(), workspaceID, c.Params("id"), domain.ConversationStatus(req.Status)); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"status": req.Status})
}

func (h *ConversationHandler) Delete(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	if err := h.conversations.Delete(c.Context(), workspaceID, c.Params("id")); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"deleted": true})
}
