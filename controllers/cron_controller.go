package controller

import (
	"context"
	"errors"
	"strings"

	"listproc/models"
	"listproc/utils"
	"listproc/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Processor is the part of the list worker the HTTP layer drives.
type Processor interface {
	RunOnce(ctx context.Context) (*worker.RunReport, error)
	Approve(ctx context.Context, fingerprint string) (bool, *worker.RunReport, error)
	Discard(ctx context.Context, fingerprint string) (bool, error)
	PendingMessages(ctx context.Context, limit int) ([]worker.MessageSummary, error)
	FolderMessages(ctx context.Context, folder models.Folder, limit int) ([]worker.MessageSummary, error)
}

type CronController struct {
	Processor Processor
	Logger    *logrus.Entry
}

func NewCronController(p Processor, logger *logrus.Entry) *CronController {
	return &CronController{
		Processor: p,
		Logger:    logger,
	}
}

// Handle runs a cycle, or approves/discards a held message when action is
// given. The key has already been checked by middleware.CronKey.
func (cc *CronController) Handle(c *fiber.Ctx) error {
	action := strings.ToLower(strings.TrimSpace(c.Query("action")))
	uid := strings.TrimSpace(c.Query("uid"))
	ctx := c.UserContext()

	switch action {
	case "":
		report, err := cc.Processor.RunOnce(ctx)
		return cc.respond(c, action, true, report, err)

	case "approve":
		if uid == "" {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing uid", nil)
		}
		found, report, err := cc.Processor.Approve(ctx, uid)
		return cc.respond(c, action, found, report, err)

	case "discard":
		if uid == "" {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing uid", nil)
		}
		found, err := cc.Processor.Discard(ctx, uid)
		return cc.respond(c, action, found, nil, err)

	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown action", nil)
	}
}

func (cc *CronController) respond(c *fiber.Ctx, action string, found bool, report *worker.RunReport, err error) error {
	if errors.Is(err, worker.ErrRunInProgress) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "A run is already in progress", nil)
	}
	if err != nil {
		cc.Logger.WithError(err).WithField("action", action).Error("Cron request failed")
		if report != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
				"report":  report,
			})
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Processing failed", err)
	}

	data := fiber.Map{"found": found}
	if action != "" {
		data["action"] = action
	}
	if report != nil {
		data["report"] = report
	}
	return c.JSON(utils.SuccessResponse(data))
}
