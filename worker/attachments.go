package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"listproc/config"
	"listproc/models"
	"listproc/utils"
)

// stageAttachments writes attachments under dir and admits them while each
// stays within the per-item cap, the running total within the total cap and
// memory headroom above the floor. Skipped parts are logged, never fatal.
func stageAttachments(dir string, attachments []models.Attachment, limits config.Limits, headroom func() uint64, logger *logrus.Entry) ([]utils.StagedFile, int) {
	var (
		staged  []utils.StagedFile
		total   int64
		skipped int
	)
	floor := uint64(limits.MinAttachmentHeadroomMB) * 1024 * 1024

	for _, a := range attachments {
		fields := logrus.Fields{"file": a.Filename, "size": a.Size}

		if headroom() < floor {
			logger.WithFields(fields).Warn("Low memory, skipping attachment")
			skipped++
			continue
		}
		if a.Size > limits.MaxAttachmentSize {
			fields["max"] = limits.MaxAttachmentSize
			logger.WithFields(fields).Warn("Attachment too large, skipping")
			skipped++
			continue
		}
		if total+a.Size > limits.MaxTotalAttachmentSize {
			fields["total"] = total
			fields["max"] = limits.MaxTotalAttachmentSize
			logger.WithFields(fields).Warn("Total attachment size exceeded, skipping")
			skipped++
			continue
		}

		path, err := writeStaged(dir, a)
		if err != nil {
			fields["error"] = err.Error()
			logger.WithFields(fields).Warn("Error staging attachment")
			skipped++
			continue
		}
		staged = append(staged, utils.StagedFile{Path: path, Name: a.Filename, Size: a.Size})
		total += a.Size
	}

	if len(attachments) > 0 {
		logger.WithFields(logrus.Fields{
			"count":      len(staged),
			"skipped":    skipped,
			"total_size": total,
		}).Debug("Attachments processed")
	}
	return staged, skipped
}

func writeStaged(dir string, a models.Attachment) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	name := filepath.Base(strings.ReplaceAll(a.Filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	path := filepath.Join(dir, uuid.NewString()+"-"+name)
	if err := os.WriteFile(path, a.Content, 0o600); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return path, nil
}

// purgeStaging removes every staged file of a message.
func purgeStaging(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
