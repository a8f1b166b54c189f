package http

import (
	"net/url"

	"mailgraph/core/service/query"
	"mailgraph/pkg/apperr"
	"mailgraph/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// BlacklistHandler administers the domain blacklist.
type BlacklistHandler struct {
	svc *query.Service
}

func NewBlacklistHandler(svc *query.Service) *BlacklistHandler {
	return &BlacklistHandler{svc: svc}
}

// Register registers blacklist routes.
func (h *BlacklistHandler) Register(router fiber.Router) {
	blacklist := router.Group("/blacklist")
	blacklist.Get("/", h.List)
	blacklist.Post("/", h.Add)
	blacklist.Delete("/:domain", h.Remove)
}

// List returns blacklist entries, optionally filtered by category.
func (h *BlacklistHandler) List(c *fiber.Ctx) error {
	entries, err := h.svc.ListBlacklist(c.Context(), c.Query("category"))
	if err != nil {
		return err
	}
	return response.OK(c, entries)
}

type addBlacklistRequest struct {
	Domain   string `json:"domain"`
	Category string `json:"category"`
}

// Add puts a domain on the blacklist. Category defaults to manual.
func (h *BlacklistHandler) Add(c *fiber.Ctx) error {
	var req addBlacklistRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.Domain == "" {
		return apperr.MissingField("domain")
	}
	if req.Category == "" {
		req.Category = "manual"
	}

	if err := h.svc.AddToBlacklist(c.Context(), req.Domain, req.Category); err != nil {
		return err
	}
	return response.Created(c, fiber.Map{
		"domain":   req.Domain,
		"category": req.Category,
	})
}

// Remove takes a domain off the blacklist.
func (h *BlacklistHandler) Remove(c *fiber.Ctx) error {
	domain := c.Params("domain")
	if decoded, err := url.PathUnescape(domain); err == nil {
		domain = decoded
	}

	if err := h.svc.RemoveFromBlacklist(c.Context(), domain); err != nil {
		return err
	}
	return response.NoContent(c)
}
