package delivery

import (
	"context"
	"net/http"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/internal/syncer"
	"mailmirror/pkg/gmail"
	"mailmirror/pkg/imap"

	"github.com/gin-gonic/gin"
)

// IndexRebuilder re-enqueues an account's emails for embedding.
type IndexRebuilder interface {
	RebuildAccount(accountID string) error
}

// AccountHandler manages account lifecycle and sync control. Runners live
// for the handler's base context, not the request's.
type AccountHandler struct {
	store     *repository.Store
	scheduler *syncer.Scheduler
	indexer   IndexRebuilder
	baseCtx   context.Context
}

func NewAccountHandler(baseCtx context.Context, store *repository.Store, scheduler *syncer.Scheduler, indexer IndexRebuilder) *AccountHandler {
	return &AccountHandler{
		store:     store,
		scheduler: scheduler,
		indexer:   indexer,
		baseCtx:   baseCtx,
	}
}

type createAccountRequest struct {
	Email       string `json:"email" binding:"required"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider" binding:"required"`

	// Gmail credentials
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// IMAP credentials
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var authRef string
	var err error
	switch req.Provider {
	case maildomain.ProviderGmail:
		authRef, err = gmail.EncodeCredentials(req.AccessToken, req.RefreshToken)
	case maildomain.ProviderIMAP:
		authRef, err = imap.EncodeCredentials(req.Host, req.Port, req.Username, req.Password)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider " + req.Provider})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := &maildomain.Account{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Provider:    req.Provider,
		AuthRef:     authRef,
	}
	if err := h.store.CreateAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.scheduler.AddAccount(h.baseCtx, account)
	c.JSON(http.StatusCreated, account)
}

func (h *AccountHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.store.ListAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *AccountHandler) GetAccount(c *gin.Context) {
	account, err := h.store.GetAccount(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	if err := h.scheduler.RemoveAccount(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *AccountHandler) TriggerSync(c *gin.Context) {
	h.scheduler.TriggerSync(c.Param("id"))
	c.JSON(http.StatusAccepted, gin.H{"status": "sync requested"})
}

// SyncStatus reports the account's status, cursor position and mirror
// counters, including mutations the remote rejected.
func (h *AccountHandler) SyncStatus(c *gin.Context) {
	id := c.Param("id")
	account, err := h.store.GetAccount(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	state, err := h.store.GetSyncState(id, syncer.DefaultMailbox)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := h.store.Stats(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	failed, err := h.store.FailedMutations(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":          account,
		"last_sync_at":     state.LastSyncAt,
		"has_cursor":       state.Cursor != "",
		"stats":            stats,
		"failed_mutations": failed,
	})
}

// ResumeSync re-enables a paused account after credentials were fixed.
// New credentials in the body replace the stored ones first.
func (h *AccountHandler) ResumeSync(c *gin.Context) {
	id := c.Param("id")

	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.Provider != "" {
		account, err := h.store.GetAccount(id)
		if err != nil || account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		var authRef string
		switch req.Provider {
		case maildomain.ProviderGmail:
			authRef, err = gmail.EncodeCredentials(req.AccessToken, req.RefreshToken)
		case maildomain.ProviderIMAP:
			authRef, err = imap.EncodeCredentials(req.Host, req.Port, req.Username, req.Password)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		account.AuthRef = authRef
		if err := h.store.UpdateAccountAuthRef(id, authRef); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.scheduler.ResumeAccount(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// RebuildMirror drops the local mirror and re-fetches it from remote, the
// recovery path for a needs_repair account.
func (h *AccountHandler) RebuildMirror(c *gin.Context) {
	if err := h.scheduler.RebuildMirror(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "rebuild started"})
}

// RebuildIndex recomputes every embedding for the account.
func (h *AccountHandler) RebuildIndex(c *gin.Context) {
	if err := h.indexer.RebuildAccount(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "index rebuild queued"})
}

// RebuildContacts re-derives the contact set from stored emails.
func (h *AccountHandler) RebuildContacts(c *gin.Context) {
	if err := h.store.RebuildContacts(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "contacts rebuilt"})
}
