package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/pkg/config"
)

// IndexerControl is the slice of the embedding indexer the scheduler
// needs: dropping queued work for removed accounts and re-enqueueing a
// whole account after a mirror rebuild.
type IndexerControl interface {
	DropAccount(accountID string)
	RebuildAccount(accountID string) error
}

// Scheduler runs one background runner per account. Within an account
// cycles are strictly serialized by the runner goroutine; across accounts
// runners are fully independent — an auth failure on one never touches
// the others.
// ProviderFactory builds the provider client for an account, selected by
// the account's provider kind at wiring time.
type ProviderFactory func(account *maildomain.Account) (maildomain.ProviderClient, error)

type Scheduler struct {
	engine    *Engine
	store     *repository.Store
	cfg       *config.Config
	indexer   IndexerControl
	providers ProviderFactory

	mu      sync.Mutex
	runners map[string]*accountRunner
}

type accountRunner struct {
	account  *maildomain.Account
	provider maildomain.ProviderClient
	cancel   context.CancelFunc
	kick     chan struct{}
	paused   bool
}

func NewScheduler(engine *Engine, store *repository.Store, cfg *config.Config, indexer IndexerControl, providers ProviderFactory) *Scheduler {
	return &Scheduler{
		engine:    engine,
		store:     store,
		cfg:       cfg,
		indexer:   indexer,
		providers: providers,
		runners:   make(map[string]*accountRunner),
	}
}

// Start launches runners for every stored account.
func (s *Scheduler) Start(ctx context.Context) error {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		return err
	}
	for _, account := range accounts {
		s.AddAccount(ctx, account)
	}
	log.Printf("[Scheduler] Started %d account runners", len(accounts))
	return nil
}

// AddAccount starts a runner for a new or restored account.
func (s *Scheduler) AddAccount(ctx context.Context, account *maildomain.Account) {
	provider, err := s.providers(account)
	if err != nil {
		log.Printf("[Scheduler] [WARN] %s: no provider client: %v", account.ID, err)
		return
	}
	s.addRunner(ctx, account, provider)
}

// AddAccountWithProvider starts a runner with an explicit provider client.
func (s *Scheduler) AddAccountWithProvider(ctx context.Context, account *maildomain.Account, provider maildomain.ProviderClient) {
	s.addRunner(ctx, account, provider)
}

func (s *Scheduler) addRunner(ctx context.Context, account *maildomain.Account, provider maildomain.ProviderClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[account.ID]; exists {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &accountRunner{
		account:  account,
		provider: provider,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
		paused:   account.Status != maildomain.AccountStatusActive,
	}
	s.runners[account.ID] = r
	go s.runLoop(runCtx, r)
}

// RemoveAccount cancels the in-flight cycle (observed at the next
// transaction boundary), discards queued indexer work, and deletes the
// account with everything it owns.
func (s *Scheduler) RemoveAccount(accountID string) error {
	s.mu.Lock()
	r, ok := s.runners[accountID]
	if ok {
		delete(s.runners, accountID)
	}
	s.mu.Unlock()

	if ok {
		r.cancel()
	}
	if s.indexer != nil {
		s.indexer.DropAccount(accountID)
	}
	return s.store.DeleteAccount(accountID)
}

// TriggerSync kicks an immediate cycle for the account.
func (s *Scheduler) TriggerSync(accountID string) {
	s.mu.Lock()
	r, ok := s.runners[accountID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default: // a kick is already queued
	}
}

// ResumeAccount re-enables sync after credentials were refreshed. The
// provider client is rebuilt from the stored account so new credentials
// take effect immediately.
func (s *Scheduler) ResumeAccount(accountID string) error {
	if err := s.store.UpdateAccountStatus(accountID, maildomain.AccountStatusActive, 0); err != nil {
		return err
	}

	account, err := s.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	var provider maildomain.ProviderClient
	if account != nil && s.providers != nil {
		if p, perr := s.providers(account); perr == nil {
			provider = p
		} else {
			log.Printf("[Scheduler] [WARN] %s: keeping previous provider client: %v", accountID, perr)
		}
	}

	s.mu.Lock()
	r, ok := s.runners[accountID]
	if ok {
		r.paused = false
		r.account.Status = maildomain.AccountStatusActive
		r.account.StorageErrors = 0
		if provider != nil {
			r.provider = provider
		}
	}
	s.mu.Unlock()

	if ok {
		s.TriggerSync(accountID)
	}
	return nil
}

// RebuildMirror resets a needs-repair mirror and re-fetches from remote:
// local rows are dropped, the cursor rewinds to empty, the similarity
// index entries are rebuilt as emails stream back in.
func (s *Scheduler) RebuildMirror(accountID string) error {
	if err := s.store.ResetMirror(accountID); err != nil {
		return err
	}
	if s.indexer != nil {
		s.indexer.DropAccount(accountID)
	}
	if err := s.ResumeAccount(accountID); err != nil {
		return err
	}
	log.Printf("[Scheduler] %s: mirror reset, rebuilding from remote", accountID)
	return nil
}

func (s *Scheduler) pauseRunner(accountID, status string) {
	s.mu.Lock()
	if r, ok := s.runners[accountID]; ok {
		r.paused = true
		r.account.Status = status
	}
	s.mu.Unlock()
}

func (s *Scheduler) runLoop(ctx context.Context, r *accountRunner) {
	// First cycle right away, then on the interval or an explicit kick.
	s.runOnce(ctx, r)

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] %s: runner stopped", r.account.ID)
			return
		case <-ticker.C:
			s.runOnce(ctx, r)
		case <-r.kick:
			s.runOnce(ctx, r)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, r *accountRunner) {
	// The engine mutates Status/StorageErrors while ResumeAccount and
	// pauseRunner write the same fields from handler goroutines, so the
	// cycle runs on a private copy and the result merges back under the
	// lock.
	s.mu.Lock()
	if r.paused {
		s.mu.Unlock()
		return
	}
	account := *r.account
	provider := r.provider
	s.mu.Unlock()

	err := s.engine.RunCycle(ctx, &account, provider)

	s.mu.Lock()
	r.account.Status = account.Status
	r.account.StorageErrors = account.StorageErrors
	s.mu.Unlock()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Cancelled at a transaction boundary; runner exits on next select.
	case maildomain.IsAuthError(err):
		log.Printf("[Scheduler] [WARN] %s: authentication failed, pausing sync", account.ID)
		if uerr := s.store.UpdateAccountStatus(account.ID, maildomain.AccountStatusAuthError, account.StorageErrors); uerr != nil {
			log.Printf("[Scheduler] [ERROR] %s: failed to record auth status: %v", account.ID, uerr)
		}
		s.pauseRunner(account.ID, maildomain.AccountStatusAuthError)
	case account.Status == maildomain.AccountStatusNeedsRepair:
		s.pauseRunner(account.ID, maildomain.AccountStatusNeedsRepair)
	default:
		// Transient or storage error below the escalation limit: the next
		// scheduled cycle retries from the unmoved cursor.
		log.Printf("[Scheduler] %s: cycle failed: %v", account.ID, err)
	}
}
