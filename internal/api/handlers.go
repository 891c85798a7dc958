package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"podforge/internal/queue"
	"podforge/internal/scriptgen"
	"podforge/internal/storage"
	"podforge/pkg/cache"
	"podforge/pkg/logger"
	"podforge/pkg/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100

	presignTTL = 15 * time.Minute
	quotaTTL   = 24 * time.Hour
)

type createPodcastRequest struct {
	RequestText string `json:"request_text" binding:"required"`
}

// createPodcast accepts a production request, persists the task and
// enqueues the script stage. The caller gets the task back immediately;
// progress arrives over the live channel or by polling.
func (s *Server) createPodcast(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
		return
	}

	if !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}

	var req createPodcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_text is required"})
		return
	}

	count, err := s.cache.IncrementWithTTL(c.Request.Context(), cache.DailyQuotaKey(uid, time.Now()), quotaTTL)
	if err != nil {
		logger.Error("Quota check failed", zap.String("user_id", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if count > int64(s.cfg.Quota.DailyLimit) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily limit reached"})
		return
	}

	task := &model.Task{
		ID:          uuid.NewString(),
		UserID:      uid,
		RequestText: req.RequestText,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		logger.Error("Failed to create task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	job := queue.ScriptJob{
		TaskID:      task.ID,
		UserID:      uid,
		RequestText: req.RequestText,
		CreatedAt:   task.CreatedAt,
	}
	if err := s.jobs.PublishJob(queue.StageScript, job); err != nil {
		logger.Error("Failed to enqueue script stage",
			zap.String("task_id", task.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	logger.Info("Task accepted",
		zap.String("task_id", task.ID),
		zap.String("user_id", uid))

	c.JSON(http.StatusAccepted, task)
}

func (s *Server) listPodcasts(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	tasks, err := s.store.ListTasksByUser(c.Request.Context(), uid, limit)
	if err != nil {
		logger.Error("Failed to list tasks", zap.String("user_id", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getPodcast(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

// deletePodcast removes the task row and every stored artifact: the
// synthesized audio under the task prefix and, when present, the HLS
// folder.
func (s *Server) deletePodcast(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	if stream := s.streamForTask(c, task); stream != nil {
		if err := s.objects.DeletePrefix(ctx, stream.Folder+"/"); err != nil {
			logger.Error("Failed to delete stream artifacts",
				zap.String("task_id", task.ID),
				zap.String("folder", stream.Folder),
				zap.Error(err))
		}
	}

	if err := s.objects.DeletePrefix(ctx, task.ID+"/"); err != nil {
		logger.Error("Failed to delete audio artifacts",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	if err := s.store.DeleteTask(ctx, task.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("Failed to delete task", zap.String("task_id", task.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := s.cache.Delete(ctx, cache.TaskCacheKey(task.ID)); err != nil {
		logger.Error("Failed to evict task snapshot", zap.String("task_id", task.ID), zap.Error(err))
	}

	c.Status(http.StatusNoContent)
}

// getStream reports the adaptive-bitrate rendition set of a task. The
// stream lags the task: a completed task may still be converting, and a
// failed conversion leaves the task playable from its original audio.
func (s *Server) getStream(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}

	stream := s.streamForTask(c, task)
	if stream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}

	resp := gin.H{"stream": stream}
	if stream.Status == model.StatusCompleted {
		resp["playback_url"] = "/hls/" + stream.MasterPlaylist
	}
	c.JSON(http.StatusOK, resp)
}

// getAudio hands out a presigned download link for the synthesized
// narration, with a filename sanitized from the request text.
func (s *Server) getAudio(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}

	audioKey, _ := task.FinalResult["audio_key"].(string)
	if audioKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "audio not ready"})
		return
	}

	url, err := s.objects.Presign(c.Request.Context(), audioKey, presignTTL)
	if err != nil {
		logger.Error("Failed to presign audio", zap.String("task_id", task.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":      url,
		"filename": scriptgen.Slug(task.RequestText) + ".wav",
	})
}

// redirectHLS hands the player a presigned URL for one playlist or
// segment. Media bytes never pass through this process.
func (s *Server) redirectHLS(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" || strings.Contains(key, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}

	url, err := s.objects.Presign(c.Request.Context(), key, presignTTL)
	if err != nil {
		logger.Error("Failed to presign object", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Redirect(http.StatusTemporaryRedirect, url)
}

// ownedTask loads the task in the path and enforces ownership. A
// foreign task reads as missing so IDs do not leak. Terminal tasks are
// served from a cached snapshot; in-flight ones always hit the store,
// since their status is still moving.
func (s *Server) ownedTask(c *gin.Context) (*model.Task, bool) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
		return nil, false
	}

	ctx := c.Request.Context()
	key := cache.TaskCacheKey(c.Param("id"))

	var snapshot model.Task
	if err := s.cache.Get(ctx, key, &snapshot); err == nil && snapshot.ID != "" {
		if snapshot.UserID != uid {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return nil, false
		}
		return &snapshot, true
	}

	task, err := s.store.GetTaskByID(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	if err != nil {
		logger.Error("Failed to get task", zap.String("task_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}

	if task.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}

	if task.Status.IsTerminal() {
		if err := s.cache.Set(ctx, key, task); err != nil {
			logger.Error("Failed to cache task snapshot", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	return task, true
}

// streamForTask resolves the task's stream result through the speech
// result recorded in the final payload. Nil when the pipeline has not
// produced one.
func (s *Server) streamForTask(c *gin.Context, task *model.Task) *model.StreamResult {
	speechResultID, _ := task.FinalResult["speech_result_id"].(string)
	if speechResultID == "" {
		return nil
	}

	stream, err := s.store.GetStreamResultBySpeechID(c.Request.Context(), speechResultID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		logger.Error("Failed to get stream result",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return nil
	}

	return stream
}
