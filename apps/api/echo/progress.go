package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/progress"
)

type progressApi struct {
	svc      *progress.Service
	validate *validator.Validate
}

func registerProgressAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *progress.Service,
	validate *validator.Validate,
) {
	api := progressApi{svc: svc, validate: validate}

	pg := g.Group("/progress", jwt)
	pg.POST("/enroll", api.enroll)
	pg.GET("", api.enrollments)
	pg.GET("/courses/:id", api.course)
	pg.POST("/lessons/:id/complete", api.completeLesson)
	pg.POST("/tests/:id/submit", api.submitTest)
	pg.GET("/tests/:id/attempts", api.attempts)
	pg.POST("/checkpoints/:id/submit", api.submitCheckpoint)
	pg.GET("/checkpoints/:id/submission", api.submission)
	pg.POST("/checkpoints/:id/grade", api.gradeCheckpoint, mentorMiddleware())
}

// Handlers

func (api *progressApi) enroll(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data progress.EnrollRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to EnrollRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	tree, err := api.svc.Enroll(ctx.Request().Context(), claims.Subject, data.CourseID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, tree)
}

func (api *progressApi) enrollments(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	courses, err := api.svc.Enrollments(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "querying enrollments")
	}
	if courses == nil {
		courses = []progress.Node{}
	}
	return ctx.JSON(http.StatusOK, courses)
}

func (api *progressApi) course(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	tree, err := api.svc.GetCourse(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tree)
}

func (api *progressApi) completeLesson(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	tree, err := api.svc.MarkLessonComplete(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tree)
}

func (api *progressApi) submitTest(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data progress.TestSubmission
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to TestSubmission")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.SubmitTest(ctx.Request().Context(), claims.Subject, ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *progressApi) attempts(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	attempts, err := api.svc.Attempts(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return err
	}
	if attempts == nil {
		attempts = []progress.TestAttempt{}
	}
	return ctx.JSON(http.StatusOK, attempts)
}

func (api *progressApi) submitCheckpoint(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data progress.CheckpointLinks
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CheckpointLinks")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	tree, err := api.svc.SubmitCheckpoint(ctx.Request().Context(), claims.Subject, ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tree)
}

func (api *progressApi) submission(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	sub, err := api.svc.Submission(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sub)
}

func (api *progressApi) gradeCheckpoint(ctx echo.Context) error {
	var data progress.CheckpointGrade
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CheckpointGrade")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	tree, err := api.svc.GradeCheckpoint(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tree)
}
