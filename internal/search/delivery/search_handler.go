package delivery

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"mailmirror/internal/mail/repository"
	"mailmirror/internal/search"

	"github.com/gin-gonic/gin"
)

type SearchHandler struct {
	searchService *search.Service
}

func NewSearchHandler(searchService *search.Service) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search executes a keyword, semantic or hybrid query over the mirror.
func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	req := search.Request{
		Query:  query,
		Mode:   search.Mode(c.DefaultQuery("mode", string(search.ModeHybrid))),
		Filter: parseSearchFilter(c),
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			req.Limit = parsed
		}
	}

	result, err := h.searchService.Search(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"emails":   result.Emails,
		"mode":     result.Mode,
		"degraded": result.Degraded,
	})
}

// Suggestions returns recent queries matching the typed prefix.
func (h *SearchHandler) Suggestions(c *gin.Context) {
	limit := 10
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"suggestions": h.searchService.Suggest(c.Query("q"), limit),
	})
}

// RecentQueries returns the query MRU, most recent first.
func (h *SearchHandler) RecentQueries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queries": h.searchService.RecentQueries()})
}

func parseSearchFilter(c *gin.Context) repository.EmailFilter {
	f := repository.EmailFilter{
		LabelName: c.Query("label"),
		From:      c.Query("from"),
		To:        c.Query("to"),
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
	if v := c.Query("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &ts
		}
	}
	if v := c.Query("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = &ts
		}
	}
	return f
}
