package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/billing"
	"github.com/darasahq/darasa/core/catalog"
)

type catalogApi struct {
	svc        *catalog.Service
	billingSvc *billing.Service
}

func registerCatalogAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *catalog.Service, billingSvc *billing.Service) {
	api := catalogApi{svc: svc, billingSvc: billingSvc}

	cg := g.Group("/catalog")
	cg.GET("", api.query)
	cg.GET("/:id", api.retrieve, jwt)
}

// CatalogNodeResponse augments a catalog node with the caller's access flag.
type CatalogNodeResponse struct {
	ID         string                `json:"id"`
	ParentID   string                `json:"parent_id,omitempty"`
	Kind       catalog.Kind          `json:"kind"`
	Title      string                `json:"title"`
	Slug       string                `json:"slug"`
	Premium    bool                  `json:"premium"`
	Order      int                   `json:"order"`
	Accessible bool                  `json:"accessible"`
	Children   []CatalogNodeResponse `json:"children,omitempty"`
}

// query returns the course list. It is public; premium flags are included
// so the storefront can badge paid courses.
func (api *catalogApi) query(ctx echo.Context) error {
	courses, err := api.svc.QueryCourses(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "querying courses")
	}
	if courses == nil {
		courses = []catalog.Node{}
	}
	return ctx.JSON(http.StatusOK, courses)
}

// retrieve returns a full course tree with per-node accessibility computed
// against the caller's subscription.
func (api *catalogApi) retrieve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	rctx := ctx.Request().Context()
	tree, err := api.svc.GetTree(rctx, ctx.Param("id"))
	if err != nil {
		return err
	}

	sub, err := api.billingSvc.Subscription(rctx, claims.Subject)
	if err != nil {
		return errors.Wrap(err, "fetching subscription")
	}
	return ctx.JSON(http.StatusOK, api.nodeResponse(tree, sub))
}

func (api *catalogApi) nodeResponse(n catalog.Node, sub billing.Subscription) CatalogNodeResponse {
	resp := CatalogNodeResponse{
		ID:         n.ID,
		ParentID:   n.ParentID,
		Kind:       n.Kind,
		Title:      n.Title,
		Slug:       n.Slug,
		Premium:    n.Premium,
		Order:      n.Order,
		Accessible: api.billingSvc.IsAccessible(n.Premium, sub, false),
	}
	for _, c := range n.Children {
		resp.Children = append(resp.Children, api.nodeResponse(c, sub))
	}
	return resp
}
