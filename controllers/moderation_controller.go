package controller

import (
	"listproc/models"
	"listproc/utils"
	"listproc/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type ModerationController struct {
	Processor Processor
	Logger    *logrus.Entry
}

func NewModerationController(p Processor, logger *logrus.Entry) *ModerationController {
	return &ModerationController{
		Processor: p,
		Logger:    logger,
	}
}

// Pending lists messages waiting for a moderator.
func (mc *ModerationController) Pending(c *fiber.Ctx) error {
	limit := listingLimit(c)
	messages, err := mc.Processor.PendingMessages(c.UserContext(), limit)
	if err != nil {
		mc.Logger.WithError(err).Error("Failed to list pending messages")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list pending messages", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"folder":   models.FolderPending,
		"count":    len(messages),
		"messages": messages,
	}))
}

// Folder lists the messages stored in any managed folder.
func (mc *ModerationController) Folder(c *fiber.Ctx) error {
	folder, ok := models.ParseFolder(c.Params("name"))
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown folder", nil)
	}

	messages, err := mc.Processor.FolderMessages(c.UserContext(), folder, listingLimit(c))
	if err != nil {
		mc.Logger.WithError(err).WithField("folder", folder).Error("Failed to list folder")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list folder", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"folder":   folder,
		"count":    len(messages),
		"messages": messages,
	}))
}

func listingLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", worker.DefaultListingLimit)
	if limit <= 0 || limit > 500 {
		return worker.DefaultListingLimit
	}
	return limit
}
