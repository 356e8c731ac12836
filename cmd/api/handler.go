package api

import (
	maildelivery "mailmirror/internal/mail/delivery"
	searchdelivery "mailmirror/internal/search/delivery"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	accountHandler *maildelivery.AccountHandler
	emailHandler   *maildelivery.EmailHandler
	searchHandler  *searchdelivery.SearchHandler
}

func NewHandler(accountHandler *maildelivery.AccountHandler, emailHandler *maildelivery.EmailHandler, searchHandler *searchdelivery.SearchHandler) *Handler {
	return &Handler{
		accountHandler: accountHandler,
		emailHandler:   emailHandler,
		searchHandler:  searchHandler,
	}
}

func (h *Handler) Start(addr string) error {
	r := gin.Default()
	gin.SetMode(gin.ReleaseMode)

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	SetupRoutes(r, h.accountHandler, h.emailHandler, h.searchHandler)

	return r.Run(addr)
}
