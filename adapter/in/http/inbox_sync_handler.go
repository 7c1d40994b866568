package http

import (
	"inbox_server/core/domain"
	"inbox_server/core/port/in"
	"inbox_server/core/port/out"

	"github.com/gofiber/fiber/v2"
)

// =============================================================================
// Sync Handler
// =============================================================================

// SyncHandler exposes sync enqueue and status endpoints.
type SyncHandler struct {
	syncService in.SyncService
	accountRepo out.AccountRepository
	producer    out.JobProducer
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(syncService in.SyncService, accountRepo out.AccountRepository, producer out.JobProducer) *SyncHandler {
	return &SyncHandler{
		syncService: syncService,
		accountRepo: accountRepo,
		producer:    producer,
	}
}

// Register registers sync routes.
func (h *SyncHandler) Register(app fiber.Router) {
	accounts := app.Group("/accounts")
	accounts.Get("/", h.ListAccounts)
	accounts.Post("/:id/sync", h.EnqueueSync)
	accounts.Get("/:id/sync/status", h.SyncStatus)
}

// ListAccounts returns the workspace's connected channel accounts.
func (h *SyncHandler) ListAccounts(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	accounts, err := h.accountRepo.ListByWorkspace(c.Context(), workspaceID)
	if err != nil {
		return InternalErrorResponse(c, err, "list accounts")
	}
	return SuccessResponse(c, fiber.Map{"accounts": accounts})
}

// EnqueueSync queues a sync run and returns 202. Clients poll the
// status endpoint; the run itself happens on the worker.
func (h *SyncHandler) EnqueueSync(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	if err := h.syncService.EnqueueSync(c.Context(), workspaceID, c.Params("id")); err != nil {
		return AppErrorResponse(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"status":  string(domain.SyncStatusPending),
	})
}

// SyncStatus reads the Redis mirror first and falls back to the
// authoritative Postgres row.
func (h *SyncHandler) SyncStatus(c *fiber.Ctx) error {
	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	accountID := c.Params("id")

	if snapshot, err := h.producer.GetSyncStatus(c.Context(), accountID); err == nil && snapshot != nil {
		return SuccessResponse(c, fiber.Map{
			"status":         snapshot.Status,
			"progress":       domain.ParseSyncProgress(snapshot.Progress),
			"error":          snapshot.Error,
			"last_synced_at": snapshot.LastSyncedAt,
			"updated_at":     snapshot.UpdatedAt,
			"source":         "cache",
		})
	}

	state, err := h.syncService.Status(c.Context(), workspaceID, accountID)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	resp := fiber.Map{
		"status":         state.Status,
		"last_synced_at": state.LastSyncedAt,
		"retry_count":    state.RetryCount,
		"total_synced":   state.TotalSynced,
		"source":         "database",
	}
	if progress := domain.ParseSyncProgress(state.SyncError); progress != nil {
		resp["progress"] = progress
	} else if state.SyncError != "" {
		resp["error"] = state.SyncError
	}
	return SuccessResponse(c, resp)
}
