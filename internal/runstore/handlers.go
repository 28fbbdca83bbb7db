package runstore

import (
	"github.com/gofiber/fiber/v2"

	"backend-runsync/internal/auth"
	"backend-runsync/internal/run"
)

// RegisterRoutes mounts the run history API. Every route requires a token and
// only exposes the caller's own runs.
func RegisterRoutes(r fiber.Router, repo run.Repository, authMiddleware fiber.Handler) {
	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		sessions, err := repo.FetchAll(c.Context(), auth.UserID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if sessions == nil {
			sessions = []run.Session{}
		}
		return c.JSON(sessions)
	})

	r.Get("/:id", authMiddleware, func(c *fiber.Ctx) error {
		s, err := ownedSession(c, repo)
		if err != nil {
			return err
		}
		return c.JSON(s)
	})

	r.Delete("/:id", authMiddleware, func(c *fiber.Ctx) error {
		s, err := ownedSession(c, repo)
		if err != nil {
			return err
		}
		if err := repo.Delete(c.Context(), s.ID); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func ownedSession(c *fiber.Ctx, repo run.Repository) (*run.Session, error) {
	s, err := repo.Fetch(c.Context(), c.Params("id"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if s == nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "run not found")
	}
	if s.OwnerID != auth.UserID(c) {
		return nil, fiber.NewError(fiber.StatusForbidden, "run belongs to another user")
	}
	return s, nil
}
