package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/vigil-hq/vigil/pkg/auth"
	"github.com/vigil-hq/vigil/pkg/callback"
	"github.com/vigil-hq/vigil/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	var (
		authErr     *auth.AuthError
		downloadErr *callback.EnvelopeDownloadError
	)

	switch {
	case errors.As(err, &authErr):
		return unauthorized(c, authErr.Reason)

	case errors.Is(err, callback.ErrUnsupportedStatus):
		return badRequest(c, err.Error())

	case persistence.IsRunNotFound(err):
		return notFound(c, "run not found")

	case errors.Is(err, persistence.ErrValidatorNotFound):
		return badRequest(c, "unknown validator")

	case errors.As(err, &downloadErr):
		return internalError(c, downloadErr)

	default:
		return internalError(c, err)
	}
}
