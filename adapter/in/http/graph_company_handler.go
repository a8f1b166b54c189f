package http

import (
	"mailgraph/core/port/out"
	"mailgraph/core/service/query"
	"mailgraph/pkg/apperr"
	"mailgraph/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// CompanyHandler serves the company side of the graph: listings, the
// company aggregate, the delete cascade and domain lookups.
type CompanyHandler struct {
	svc *query.Service
}

func NewCompanyHandler(svc *query.Service) *CompanyHandler {
	return &CompanyHandler{svc: svc}
}

// Register registers company routes.
func (h *CompanyHandler) Register(router fiber.Router) {
	companies := router.Group("/companies")
	companies.Get("/", h.ListCompanies)
	companies.Get("/:id", h.GetCompany)
	companies.Delete("/:id", h.DeleteCompany)

	router.Get("/domains/:domain", h.GetDomain)
}

var companySorts = map[string]bool{
	"created_at": true,
	"last_seen":  true,
	"emails":     true,
}

// ListCompanies returns a page of companies.
func (h *CompanyHandler) ListCompanies(c *fiber.Ctx) error {
	page := response.GetPagination(c, 50, 200)
	sort := c.Query("sort", "created_at")
	if !companySorts[sort] {
		return apperr.InvalidInput("sort", "must be created_at, last_seen or emails")
	}

	companies, total, err := h.svc.ListCompanies(c.Context(), out.CompanyQuery{
		Limit:  page.Limit,
		Offset: page.Offset,
		Sort:   sort,
	})
	if err != nil {
		return err
	}

	return response.OKWithMeta(c, companies, &response.Meta{
		Total:    total,
		PageSize: len(companies),
		HasMore:  page.Offset+len(companies) < total,
	})
}

// GetCompany returns one company with its domains and contacts.
func (h *CompanyHandler) GetCompany(c *fiber.Ctx) error {
	graph, err := h.svc.GetCompany(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return response.OK(c, graph)
}

// DeleteCompany blacklists the company's domains and removes the company
// with everything under it.
func (h *CompanyHandler) DeleteCompany(c *fiber.Ctx) error {
	id := c.Params("id")
	domains, err := h.svc.DeleteCompany(c.Context(), id)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{
		"deleted":             id,
		"blacklisted_domains": domains,
	})
}

// GetDomain looks up one mail domain.
func (h *CompanyHandler) GetDomain(c *fiber.Ctx) error {
	d, err := h.svc.GetDomain(c.Context(), c.Params("domain"))
	if err != nil {
		return err
	}
	return response.OK(c, d)
}
