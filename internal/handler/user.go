package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/middleware"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/pkg/response"
)

type UserHandler struct {
	service *service.SongService
}

func NewUserHandler(svc *service.SongService) *UserHandler {
	return &UserHandler{service: svc}
}

// Credits handles GET /api/user/credits
func (h *UserHandler) Credits(c *fiber.Ctx) error {
	result, err := h.service.GetCredits(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return songError(c, err)
	}

	return response.OK(c, result)
}
