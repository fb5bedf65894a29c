package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/billing"
)

type billingApi struct {
	svc      *billing.Service
	validate *validator.Validate
}

func registerBillingAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *billing.Service, validate *validator.Validate) {
	api := billingApi{svc: svc, validate: validate}

	bg := g.Group("/billing")
	bg.GET("/subscription", api.subscription, jwt)

	// unauthed ingress; the payment gateway verifies provider signatures
	// before forwarding events here
	bg.POST("/webhooks/:provider", api.webhook)
}

func (api *billingApi) subscription(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	sub, err := api.svc.Subscription(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "fetching subscription")
	}
	return ctx.JSON(http.StatusOK, sub)
}

// webhook applies a provider subscription event. A non-2xx response makes
// the gateway redeliver; redeliveries are deduplicated on the event ID.
func (api *billingApi) webhook(ctx echo.Context) error {
	var ev billing.Event
	if err := ctx.Bind(&ev); err != nil {
		return errors.Wrap(err, "binding to Event")
	}
	ev.Provider = ctx.Param("provider")
	if err := ev.Validate(api.validate); err != nil {
		return err
	}

	if err := api.svc.ApplyEvent(ctx.Request().Context(), ev); err != nil {
		if errors.Cause(err) == billing.ErrUnknownEvent {
			return core.NewValidationError(billing.ErrUnknownEvent)
		}
		return errors.Wrap(err, "applying billing event")
	}
	return ctx.NoContent(http.StatusNoContent)
}
