package syncer

import (
	"context"
	"errors"
	"log"
	"time"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/pkg/config"
)

// DefaultMailbox is the mailbox synced for every account.
const DefaultMailbox = "INBOX"

// Engine runs the pull-merge-push cycle for one account at a time. The
// scheduler guarantees cycles for the same account never overlap; cycles
// across accounts run concurrently on independent Engine calls.
type Engine struct {
	store *repository.Store
	cfg   *config.Config
}

func NewEngine(store *repository.Store, cfg *config.Config) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// RunCycle pulls remote changes, merges them into the local mirror, then
// drains the local mutation queue. The cursor advances only after each
// change batch has committed, so a crash in between re-fetches the same
// idempotent batch instead of skipping it.
func (e *Engine) RunCycle(ctx context.Context, account *maildomain.Account, provider maildomain.ProviderClient) error {
	state, err := e.store.GetSyncState(account.ID, DefaultMailbox)
	if err != nil {
		return e.noteStorageError(account, err)
	}
	cursor := state.Cursor

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.NetworkTimeout)
		changes, next, err := provider.FetchChanges(fetchCtx, DefaultMailbox, cursor)
		cancel()
		if err != nil {
			return err
		}

		if len(changes) > 0 {
			if err := e.applyBatch(ctx, account, changes); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return e.noteStorageError(account, err)
			}
		}

		// Batch committed; only now may the cursor move.
		if next == "" || next == cursor {
			break
		}
		if err := e.store.AdvanceCursor(account.ID, DefaultMailbox, next); err != nil {
			return e.noteStorageError(account, err)
		}
		cursor = next

		if len(changes) == 0 {
			break
		}
	}

	e.clearStorageErrors(account)
	return e.drainMutations(ctx, account, provider)
}

// applyBatch applies one page of remote changes in a single transaction,
// in the order the provider returned them.
func (e *Engine) applyBatch(ctx context.Context, account *maildomain.Account, changes []*maildomain.RemoteChange) error {
	return e.store.WithTx(ctx, func(tx *repository.Tx) error {
		for _, change := range changes {
			local, err := tx.GetEmailByProviderID(account.ID, change.ProviderID)
			if err != nil {
				return err
			}

			var pending []*maildomain.PendingMutation
			if local != nil {
				pending, err = tx.PendingMutationsForEmail(local.ID, "")
				if err != nil {
					return err
				}
			}

			res := Resolve(change, local, pending)
			for _, notice := range res.Notices {
				log.Printf("[SyncEngine] %s: %s", account.ID, notice)
			}
			for _, m := range res.Discard {
				if err := tx.DeleteMutation(m.ID); err != nil {
					return err
				}
			}

			if res.UpsertContent && change.Email != nil {
				updated, err := tx.UpsertRemoteEmail(account.ID, change.Email, e.cfg.EmbedMaxTextLen)
				if err != nil {
					return err
				}
				// Flag and label writes below must touch the row the upsert
				// just saved, not the pre-merge snapshot.
				local = updated
			}
			if res.Delete && local != nil {
				if err := tx.ApplyRemoteDelete(local); err != nil {
					return err
				}
				continue
			}
			if len(res.Flags) > 0 && local != nil {
				for _, fw := range res.Flags {
					local.SetFlag(fw.Field, fw.Value, fw.Version)
				}
				if err := tx.SaveEmailFlags(local); err != nil {
					return err
				}
			}
			if res.Labels != nil && local != nil {
				if err := tx.SetEmailLabels(local, res.Labels.Names, res.Labels.Version); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// drainMutations pushes due queued mutations. Transient failures requeue
// with exponential backoff (full jitter, provider hint honored); remote
// rejections are surfaced as failed and never retried automatically.
func (e *Engine) drainMutations(ctx context.Context, account *maildomain.Account, provider maildomain.ProviderClient) error {
	mutations, err := e.store.DuePendingMutations(account.ID, time.Now())
	if err != nil {
		return e.noteStorageError(account, err)
	}

	for _, m := range mutations {
		if err := ctx.Err(); err != nil {
			return err
		}

		pushCtx, cancel := context.WithTimeout(ctx, e.cfg.NetworkTimeout)
		err := provider.PushMutation(pushCtx, m)
		cancel()

		switch {
		case err == nil:
			if err := e.store.DeletePushedMutation(m.ID); err != nil {
				return e.noteStorageError(account, err)
			}

		case maildomain.IsAuthError(err):
			return err

		default:
			if reason, rejected := maildomain.IsRemoteRejected(err); rejected {
				log.Printf("[SyncEngine] [WARN] %s: mutation %s rejected by remote: %s", account.ID, m.ID, reason)
				if err := e.store.MarkMutationFailed(m.ID, reason); err != nil {
					return e.noteStorageError(account, err)
				}
				continue
			}

			delay, _ := maildomain.IsTransient(err)
			if delay <= 0 {
				delay = backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffCap, m.Attempts)
			}
			log.Printf("[SyncEngine] %s: push of mutation %s failed, retrying in %s: %v", account.ID, m.ID, delay, err)
			if err := e.store.DeferMutation(m.ID, m.Attempts+1, time.Now().Add(delay), err.Error()); err != nil {
				return e.noteStorageError(account, err)
			}
		}
	}
	return nil
}

// noteStorageError counts a storage failure toward the needs-repair
// escalation and returns the original error.
func (e *Engine) noteStorageError(account *maildomain.Account, err error) error {
	if !errors.Is(err, maildomain.ErrStorage) {
		return err
	}

	account.StorageErrors++
	status := account.Status
	if account.StorageErrors >= e.cfg.StorageErrorLimit {
		status = maildomain.AccountStatusNeedsRepair
		log.Printf("[SyncEngine] [ERROR] %s: %d consecutive storage errors, mirror needs repair", account.ID, account.StorageErrors)
	}
	if uerr := e.store.UpdateAccountStatus(account.ID, status, account.StorageErrors); uerr != nil {
		log.Printf("[SyncEngine] [ERROR] %s: failed to record storage error: %v", account.ID, uerr)
	}
	account.Status = status
	return err
}

func (e *Engine) clearStorageErrors(account *maildomain.Account) {
	if account.StorageErrors == 0 {
		return
	}
	account.StorageErrors = 0
	if err := e.store.UpdateAccountStatus(account.ID, account.Status, 0); err != nil {
		log.Printf("[SyncEngine] [WARN] %s: failed to reset storage errors: %v", account.ID, err)
	}
}
