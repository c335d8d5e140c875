package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"reelforge/internal/model"
	"reelforge/internal/resolver"
	"reelforge/internal/service"
)

func jobItem(res *resolver.Resolver, j model.Job) JobItem {
	item := JobItem{
		ID:              j.ID.String(),
		Status:          string(j.Status),
		Progress:        j.Progress,
		ProgressMessage: j.ProgressMessage,
		Stage:           j.Stage,
		Priority:        j.Priority,
		RetryCount:      j.RetryCount,
		CancelRequested: j.CancelRequested,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.Status == model.StatusSuccess {
		item.Result = res.Resolve(j.ID, j.Result)
	}
	return item
}

func svcFromCtx(c *fiber.Ctx) *service.Service {
	return c.Locals("service").(*service.Service)
}

func resolverFromCtx(c *fiber.Ctx) *resolver.Resolver {
	return c.Locals("resolver").(*resolver.Resolver)
}

// submitVideoHandler accepts a generation request and returns the job
// handle immediately; execution happens on the worker pool.
func submitVideoHandler(c *fiber.Ctx) error {
	svc := svcFromCtx(c)
	res := resolverFromCtx(c)

	var body SubmitVideoRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(SubmitVideoResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid request body",
		})
	}

	req := model.VideoRequest{
		Script:     body.Script,
		VoiceID:    body.VoiceID,
		TemplateID: body.TemplateID,
		Resolution: body.Resolution,
	}

	job, err := svc.Submit(c.Context(), callerID(c), req, body.Priority)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(SubmitVideoResponse{
				Success: false,
				Code:    "VALIDATION_FAILED",
				Error:   verr.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(SubmitVideoResponse{
			Success: false,
			Code:    "SUBMIT_FAILED",
			Error:   err.Error(),
		})
	}

	item := jobItem(res, job)
	return c.Status(fiber.StatusAccepted).JSON(SubmitVideoResponse{
		Success: true,
		Job:     &item,
	})
}

// videoStatusHandler returns the current snapshot for a job, with the
// resolved result attached once the job has succeeded.
func videoStatusHandler(c *fiber.Ctx) error {
	svc := svcFromCtx(c)
	res := resolverFromCtx(c)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(JobStatusResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid job id",
		})
	}

	job, err := svc.GetJob(c.Context(), jobID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(JobStatusResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "job not found",
		})
	}
	if job.UserID != callerID(c) {
		return c.Status(fiber.StatusNotFound).JSON(JobStatusResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "job not found",
		})
	}

	item := jobItem(res, job)
	return c.Status(fiber.StatusOK).JSON(JobStatusResponse{
		Success: true,
		Job:     &item,
	})
}

// cancelVideoHandler requests cancellation. Terminal jobs are rejected
// with CONFLICT rather than silently ignored.
func cancelVideoHandler(c *fiber.Ctx) error {
	svc := svcFromCtx(c)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(CancelResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid job id",
		})
	}

	if _, err := svc.Cancel(c.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(CancelResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "job not found",
			})
		case errors.Is(err, model.ErrConflict):
			return c.Status(fiber.StatusConflict).JSON(CancelResponse{
				Success: false,
				Code:    "CONFLICT",
				Error:   "job is already terminal and cannot be cancelled",
			})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(CancelResponse{
				Success: false,
				Code:    "CANCEL_FAILED",
				Error:   err.Error(),
			})
		}
	}

	return c.Status(fiber.StatusOK).JSON(CancelResponse{
		Success:  true,
		Accepted: true,
	})
}

// listVideosHandler lists the caller's jobs, newest first.
func listVideosHandler(c *fiber.Ctx) error {
	svc := svcFromCtx(c)
	res := resolverFromCtx(c)

	page := int32(c.QueryInt("page", 1))
	limit := int32(c.QueryInt("limit", 50))
	if page < 1 || limit < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(ListVideosResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "page and limit must be positive",
		})
	}

	jobs, total, err := svc.List(c.Context(), callerID(c), page, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ListVideosResponse{
			Success: false,
			Code:    "JOB_LIST_FAILED",
			Error:   err.Error(),
		})
	}

	items := make([]JobItem, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, jobItem(res, j))
	}

	return c.Status(fiber.StatusOK).JSON(ListVideosResponse{
		Success: true,
		Jobs:    items,
		Total:   total,
	})
}

// artifactRedirect looks up a successful job and redirects to the
// storage gateway URL for the selected locator.
func artifactRedirect(c *fiber.Ctx, pick func(*model.Result) string) error {
	svc := svcFromCtx(c)
	res := resolverFromCtx(c)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false, "code": "BAD_REQUEST", "error": "invalid job id",
		})
	}

	job, err := svc.GetJob(c.Context(), jobID)
	if err != nil || job.UserID != callerID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false, "code": "NOT_FOUND", "error": "job not found",
		})
	}
	if job.Status != model.StatusSuccess || job.Result == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false, "code": "CONFLICT", "error": "job has no artifact yet",
		})
	}

	locator := pick(job.Result)
	if locator == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false, "code": "NOT_FOUND", "error": "artifact not available",
		})
	}
	url, err := res.ExternalURL(locator)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false, "code": "RESOLVE_FAILED", "error": err.Error(),
		})
	}
	return c.Redirect(url, fiber.StatusFound)
}

func downloadHandler(c *fiber.Ctx) error {
	return artifactRedirect(c, func(r *model.Result) string { return r.VideoLocator })
}

func previewHandler(c *fiber.Ctx) error {
	return artifactRedirect(c, func(r *model.Result) string { return r.PreviewLocator })
}

// statsHandler summarizes job counts by status and queue depths.
func statsHandler(c *fiber.Ctx) error {
	svc := svcFromCtx(c)

	stats, err := svc.Stats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(StatsResponse{
			Success: false,
			Code:    "STATS_FAILED",
			Error:   err.Error(),
		})
	}

	counts := make(map[string]int64, len(stats.Counts))
	for st, n := range stats.Counts {
		counts[string(st)] = n
	}
	return c.Status(fiber.StatusOK).JSON(StatsResponse{
		Success:      true,
		Counts:       counts,
		QueuePending: stats.QueuePending,
		QueueActive:  stats.QueueActive,
		QueueDelayed: stats.QueueDelayed,
	})
}
