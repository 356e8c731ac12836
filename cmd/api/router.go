package api

import (
	"net/http"

	maildelivery "mailmirror/internal/mail/delivery"
	searchdelivery "mailmirror/internal/search/delivery"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, accountHandler *maildelivery.AccountHandler, emailHandler *maildelivery.EmailHandler, searchHandler *searchdelivery.SearchHandler) {
	api := r.Group("/api")
	{
		// Health check
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Account lifecycle and sync control
		accounts := api.Group("/accounts")
		{
			accounts.POST("", accountHandler.CreateAccount)
			accounts.GET("", accountHandler.ListAccounts)
			accounts.GET("/:id", accountHandler.GetAccount)
			accounts.DELETE("/:id", accountHandler.DeleteAccount)
			accounts.POST("/:id/sync", accountHandler.TriggerSync)
			accounts.GET("/:id/sync", accountHandler.SyncStatus)
			accounts.POST("/:id/resume", accountHandler.ResumeSync)
			accounts.POST("/:id/rebuild", accountHandler.RebuildMirror)
			accounts.POST("/:id/rebuild-index", accountHandler.RebuildIndex)
			accounts.POST("/:id/rebuild-contacts", accountHandler.RebuildContacts)
			accounts.GET("/:id/threads", emailHandler.ListThreads)
			accounts.GET("/:id/contacts", emailHandler.ListContacts)
		}

		// Local mirror reads and mutations
		emails := api.Group("/emails")
		{
			emails.GET("", emailHandler.ListEmails)
			emails.GET("/:id", emailHandler.GetEmail)
			emails.PATCH("/:id/read", emailHandler.MarkAsRead)
			emails.PATCH("/:id/unread", emailHandler.MarkAsUnread)
			emails.PATCH("/:id/star", emailHandler.ToggleStar)
			emails.POST("/:id/archive", emailHandler.ArchiveEmail)
			emails.POST("/:id/unarchive", emailHandler.UnarchiveEmail)
			emails.POST("/:id/trash", emailHandler.TrashEmail)
			emails.PUT("/:id/labels", emailHandler.SetLabels)
		}

		// Threads
		threads := api.Group("/threads")
		{
			threads.GET("/:id/emails", emailHandler.GetThreadEmails)
		}

		// Search
		searchGroup := api.Group("/search")
		{
			searchGroup.GET("", searchHandler.Search)
			searchGroup.GET("/suggestions", searchHandler.Suggestions)
			searchGroup.GET("/recent", searchHandler.RecentQueries)
		}

		// Undo
		undoGroup := api.Group("/undo")
		{
			undoGroup.GET("", emailHandler.UndoHistory)
			undoGroup.POST("/:id", emailHandler.Undo)
		}
	}
}
