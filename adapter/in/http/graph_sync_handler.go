package http

import (
	"mailgraph/core/service/query"
	"mailgraph/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// SyncHandler exposes ingestion progress and manual sync requests.
type SyncHandler struct {
	svc *query.Service
}

func NewSyncHandler(svc *query.Service) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Register registers sync routes.
func (h *SyncHandler) Register(router fiber.Router) {
	sync := router.Group("/sync")
	sync.Get("/status", h.Status)
	sync.Post("/:account", h.Request)
}

// Status reports every account's sync progress.
func (h *SyncHandler) Status(c *fiber.Ctx) error {
	statuses, err := h.svc.SyncStatus(c.Context())
	if err != nil {
		return err
	}
	return response.OK(c, statuses)
}

// Request enqueues a sync job for the account. ?full=true forces the
// rescan path.
func (h *SyncHandler) Request(c *fiber.Ctx) error {
	account := c.Params("account")
	full := c.QueryBool("full")

	if err := h.svc.RequestSync(c.Context(), account, full); err != nil {
		return err
	}
	return response.Accepted(c, fiber.Map{
		"account": account,
		"full":    full,
	})
}
