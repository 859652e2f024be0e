package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps the error taxonomy onto problem responses. Every
// payload carries the stable kind, a human-readable detail, and the valid
// recovery actions, so both surfaces render the same error value.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsRunNotFound(err),
		persistence.IsGraphNotFound(err),
		persistence.IsCheckpointNotFound(err):
		return notFound(c, err.Error())
	}

	var conflictErr *models.ConflictError
	if errors.As(err, &conflictErr) {
		// The losing client gets the latest state so it can refetch-free
		// decide whether to resubmit.
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"type":             string(models.KindConflict),
			"status":           fiber.StatusConflict,
			"detail":           conflictErr.Error(),
			"instance":         c.Path(),
			"expected_version": conflictErr.ExpectedVersion,
			"current_version":  conflictErr.CurrentVersion,
			"last_known":       conflictErr.LastKnown,
			"recovery_actions": models.RecoveryActions(models.KindConflict),
		})
	}

	kind := models.KindOf(err)
	status := kindStatus(kind)

	return c.Status(status).JSON(fiber.Map{
		"type":             string(kind),
		"status":           status,
		"detail":           err.Error(),
		"instance":         c.Path(),
		"recovery_actions": models.RecoveryActions(kind),
	})
}

func kindStatus(kind models.ErrorKind) int {
	switch kind {
	case models.KindNotFound:
		return fiber.StatusNotFound
	case models.KindConflict:
		return fiber.StatusConflict
	case models.KindBackpressure:
		return fiber.StatusTooManyRequests
	case models.KindUnmappableGraph, models.KindInvalidTransition,
		models.KindMigrationError, models.KindRestoreError,
		models.KindToolError, models.KindLoopBoundExceeded,
		models.KindTimeoutExceeded, models.KindCancelledForcefully:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}
