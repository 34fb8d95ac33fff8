package controller

import (
	"bytes"
	"context"
	"errors"
	"io"

	"listproc/models"
	"listproc/store"
	"listproc/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// ListSource is the read side of the list store used by the admin endpoints.
type ListSource interface {
	AllWithSubscribers(ctx context.Context) ([]models.List, error)
	ExportCSV(ctx context.Context, slug string, w io.Writer) error
}

type ListController struct {
	Lists  ListSource
	Logger *logrus.Entry
}

func NewListController(lists ListSource, logger *logrus.Entry) *ListController {
	return &ListController{
		Lists:  lists,
		Logger: logger,
	}
}

type ListSummary struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	Moderation  bool   `json:"moderation"`
	Reponse     bool   `json:"reponse"`
	Subscribers int    `json:"subscribers"`
}

// Index returns every list with its active subscriber count.
func (lc *ListController) Index(c *fiber.Ctx) error {
	lists, err := lc.Lists.AllWithSubscribers(c.UserContext())
	if err != nil {
		lc.Logger.WithError(err).Error("Failed to load lists")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load lists", err)
	}

	out := make([]ListSummary, 0, len(lists))
	for _, l := range lists {
		out = append(out, ListSummary{
			Slug:        l.Slug,
			Name:        l.Name,
			Active:      l.Active,
			Moderation:  l.Moderation,
			Reponse:     l.Reponse,
			Subscribers: len(l.ActiveEmails()),
		})
	}
	return c.JSON(utils.SuccessResponse(out))
}

// Export streams the active subscribers of a list as CSV.
func (lc *ListController) Export(c *fiber.Ctx) error {
	slug := c.Params("slug")

	var buf bytes.Buffer
	if err := lc.Lists.ExportCSV(c.UserContext(), slug, &buf); err != nil {
		if errors.Is(err, store.ErrListNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "List not found", nil)
		}
		lc.Logger.WithError(err).WithField("list", slug).Error("Failed to export list")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to export list", err)
	}

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+slug+`.csv"`)
	return c.Send(buf.Bytes())
}
