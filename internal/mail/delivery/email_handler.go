package delivery

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/internal/mail/usecase"
	"mailmirror/internal/undo"

	"github.com/gin-gonic/gin"
)

type EmailHandler struct {
	mailUsecase *usecase.Service
}

func NewEmailHandler(mailUsecase *usecase.Service) *EmailHandler {
	return &EmailHandler{mailUsecase: mailUsecase}
}

func parseFilter(c *gin.Context) repository.EmailFilter {
	f := repository.EmailFilter{
		ThreadID:  c.Query("thread_id"),
		LabelName: c.Query("label"),
		From:      c.Query("from"),
		To:        c.Query("to"),
		Limit:     50,
	}
	if accounts := c.Query("accounts"); accounts != "" {
		f.AccountIDs = strings.Split(accounts, ",")
	}
	if v := c.Query("unread"); v == "true" {
		t := true
		f.Unread = &t
	}
	if v := c.Query("starred"); v == "true" {
		t := true
		f.Starred = &t
	}
	if v := c.Query("archived"); v != "" {
		archived := v == "true"
		f.Archived = &archived
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			f.Limit = parsed
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			f.Offset = parsed
		}
	}
	return f
}

func (h *EmailHandler) ListEmails(c *gin.Context) {
	f := parseFilter(c)
	emails, err := h.mailUsecase.ListEmails(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"emails": emails,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (h *EmailHandler) GetEmail(c *gin.Context) {
	email, err := h.mailUsecase.GetEmail(c.Param("id"))
	if err != nil {
		if errors.Is(err, maildomain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, email)
}

func (h *EmailHandler) ListThreads(c *gin.Context) {
	limit := 50
	offset := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	threads, err := h.mailUsecase.ListThreads(c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (h *EmailHandler) GetThreadEmails(c *gin.Context) {
	emails, err := h.mailUsecase.ListThreadEmails(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails})
}

func (h *EmailHandler) ListContacts(c *gin.Context) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	contacts, err := h.mailUsecase.ListContacts(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

func (h *EmailHandler) respondMutation(c *gin.Context, entry *undo.Entry, err error) {
	if err != nil {
		if errors.Is(err, maildomain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"status": "applied"}
	if entry != nil {
		resp["undo_id"] = entry.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *EmailHandler) MarkAsRead(c *gin.Context) {
	entry, err := h.mailUsecase.MarkRead(c.Request.Context(), c.Param("id"), true)
	h.respondMutation(c, entry, err)
}

func (h *EmailHandler) MarkAsUnread(c *gin.Context) {
	entry, err := h.mailUsecase.MarkRead(c.Request.Context(), c.Param("id"), false)
	h.respondMutation(c, entry, err)
}

func (h *EmailHandler) ToggleStar(c *gin.Context) {
	entry, err := h.mailUsecase.ToggleStar(c.Request.Context(), c.Param("id"))
	h.respondMutation(c, entry, err)
}

func (h *EmailHandler) ArchiveEmail(c *gin.Context) {
	entry, err := h.mailUsecase.Archive(c.Request.Context(), c.Param("id"), true)
	h.respondMutation(c, entry, err)
}

func (h *EmailHandler) UnarchiveEmail(c *gin.Context) {
	entry, err := h.mailUsecase.Archive(c.Request.Context(), c.Param("id"), false)
	h.respondMutation(c, entry, err)
}

func (h *EmailHandler) TrashEmail(c *gin.Context) {
	entry, err := h.mailUsecase.Trash(c.Request.Context(), c.Param("id"))
	h.respondMutation(c, entry, err)
}

func (h *EmailHandler) SetLabels(c *gin.Context) {
	var req struct {
		Labels []string `json:"labels"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	entry, err := h.mailUsecase.SetLabels(c.Request.Context(), c.Param("id"), req.Labels)
	h.respondMutation(c, entry, err)
}

func (h *EmailHandler) Undo(c *gin.Context) {
	if err := h.mailUsecase.Undo(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, maildomain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "undone"})
}

func (h *EmailHandler) UndoHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.mailUsecase.UndoHistory()})
}
