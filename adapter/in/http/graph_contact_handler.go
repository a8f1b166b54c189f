package http

import (
	"net/url"

	"mailgraph/core/port/out"
	"mailgraph/core/service/query"
	"mailgraph/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ContactHandler serves contacts and email-address lookups.
type ContactHandler struct {
	svc *query.Service
}

func NewContactHandler(svc *query.Service) *ContactHandler {
	return &ContactHandler{svc: svc}
}

// Register registers contact routes.
func (h *ContactHandler) Register(router fiber.Router) {
	contacts := router.Group("/contacts")
	contacts.Get("/", h.ListContacts)
	contacts.Get("/:id", h.GetContact)

	router.Get("/emails/:address", h.GetEmail)
}

// ListContacts returns a page of contacts, optionally scoped to one
// company.
func (h *ContactHandler) ListContacts(c *fiber.Ctx) error {
	page := response.GetPagination(c, 50, 200)

	contacts, total, err := h.svc.ListContacts(c.Context(), out.ContactQuery{
		Limit:     page.Limit,
		Offset:    page.Offset,
		CompanyID: c.Query("company_id"),
	})
	if err != nil {
		return err
	}

	return response.OKWithMeta(c, contacts, &response.Meta{
		Total:    total,
		PageSize: len(contacts),
		HasMore:  page.Offset+len(contacts) < total,
	})
}

// GetContact returns one contact with its email addresses.
func (h *ContactHandler) GetContact(c *fiber.Ctx) error {
	graph, err := h.svc.GetContact(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return response.OK(c, graph)
}

// GetEmail looks up one address. The path segment arrives URL-encoded.
func (h *ContactHandler) GetEmail(c *fiber.Ctx) error {
	address := c.Params("address")
	if decoded, err := url.PathUnescape(address); err == nil {
		address = decoded
	}

	e, err := h.svc.GetEmail(c.Context(), address)
	if err != nil {
		return err
	}
	return response.OK(c, e)
}
