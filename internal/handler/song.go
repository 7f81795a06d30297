package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/middleware"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/pkg/response"
)

type SongHandler struct {
	service   *service.SongService
	validator *validator.Validate
}

func NewSongHandler(svc *service.SongService, v *validator.Validate) *SongHandler {
	return &SongHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/songs/generate
func (h *SongHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateSongRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.GenerateSongs(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return songError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/songs/:songId
func (h *SongHandler) Status(c *fiber.Ctx) error {
	songID := c.Params("songId")
	if songID == "" {
		return response.ValidationError(c, "Song ID is required", nil)
	}

	result, err := h.service.GetSong(c.UserContext(), middleware.GetUserID(c), songID)
	if err != nil {
		return songError(c, err)
	}

	return response.OK(c, result)
}

// Play handles GET /api/songs/:songId/play
func (h *SongHandler) Play(c *fiber.Ctx) error {
	songID := c.Params("songId")
	if songID == "" {
		return response.ValidationError(c, "Song ID is required", nil)
	}

	result, err := h.service.PlayURL(c.UserContext(), middleware.GetUserID(c), songID)
	if err != nil {
		return songError(c, err)
	}

	return response.OK(c, result)
}

// List handles GET /api/songs
func (h *SongHandler) List(c *fiber.Ctx) error {
	result, err := h.service.ListSongs(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return songError(c, err)
	}

	return response.OK(c, result)
}

// Publish handles POST /api/songs/:songId/publish
func (h *SongHandler) Publish(c *fiber.Ctx) error {
	return h.visibility(c, h.service.Publish)
}

// Unpublish handles POST /api/songs/:songId/unpublish
func (h *SongHandler) Unpublish(c *fiber.Ctx) error {
	return h.visibility(c, h.service.Unpublish)
}

func (h *SongHandler) visibility(c *fiber.Ctx, set func(ctx context.Context, userID, songID string) (*model.PublishResponse, error)) error {
	songID := c.Params("songId")
	if songID == "" {
		return response.ValidationError(c, "Song ID is required", nil)
	}

	result, err := set(c.UserContext(), middleware.GetUserID(c), songID)
	if err != nil {
		return songError(c, err)
	}

	return response.OK(c, result)
}

func songError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrNoDispatchFields):
		return response.ValidationError(c, "Provide fullDescribedSong, or lyrics or describedLyrics together with prompt", nil)
	case errors.Is(err, service.ErrSongNotFound):
		return response.NotFound(c, "Song not found")
	case errors.Is(err, service.ErrUserNotFound):
		return response.NotFound(c, "User not found")
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, "Song belongs to another user")
	case errors.Is(err, service.ErrNotPlayable):
		return response.NotReady(c, "Song has no audio yet")
	}
	return response.ServiceError(c, err.Error())
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
