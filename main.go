package main

import (
	"context"
	"fmt"
	"log"

	api "mailmirror/cmd/api"
	"mailmirror/internal/indexer"
	maildelivery "mailmirror/internal/mail/delivery"
	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	mailusecase "mailmirror/internal/mail/usecase"
	"mailmirror/internal/search"
	searchdelivery "mailmirror/internal/search/delivery"
	"mailmirror/internal/syncer"
	"mailmirror/internal/undo"
	"mailmirror/pkg/chroma"
	"mailmirror/pkg/config"
	"mailmirror/pkg/database"
	"mailmirror/pkg/embed"
	"mailmirror/pkg/gmail"
	"mailmirror/pkg/imap"

	"golang.org/x/oauth2"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Open the local mirror database
	db, err := database.NewSQLiteConnection(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}

	store, err := repository.NewStore(db, cfg.FeedCapacity)
	if err != nil {
		log.Fatal("Failed to initialize store:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedder: Gemini when configured, deterministic local fallback otherwise
	var embedder embed.Embedder
	if cfg.GeminiAPIKey != "" {
		embedder = embed.NewGeminiEmbedder(cfg.GeminiAPIKey, cfg.EmbedDimension)
		log.Println("Using Gemini embedder")
	} else {
		embedder = embed.NewLocalEmbedder(cfg.EmbedDimension)
		log.Println("GEMINI_API_KEY not set, using local embedder")
	}

	// Similarity index: Chroma Cloud when configured, in-process otherwise
	var index indexer.VectorIndex
	if cfg.ChromaAPIKey != "" {
		chromaIndex, err := chroma.NewIndex(cfg)
		if err != nil {
			log.Printf("[WARN] Failed to initialize Chroma index, falling back to in-process index: %v", err)
		} else {
			index = chromaIndex
		}
	}
	if index == nil {
		index = indexer.NewMemoryIndex()
	}

	// Embedding indexer consumes the store's change feed
	idx := indexer.NewIndexer(store, embedder, index, cfg)
	if _, inProcess := index.(*indexer.MemoryIndex); inProcess {
		if err := idx.Warm(ctx); err != nil {
			log.Printf("[WARN] Failed to warm similarity index: %v", err)
		}
	}
	go idx.Run(ctx)

	// Sync engine and per-account scheduler
	engine := syncer.NewEngine(store, cfg)
	providerFactory := func(account *maildomain.Account) (maildomain.ProviderClient, error) {
		switch account.Provider {
		case maildomain.ProviderGmail:
			accountID := account.ID
			return gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret, account.AuthRef, func(token *oauth2.Token) error {
				authRef, err := gmail.EncodeCredentials(token.AccessToken, token.RefreshToken)
				if err != nil {
					return err
				}
				return store.UpdateAccountAuthRef(accountID, authRef)
			})
		case maildomain.ProviderIMAP:
			return imap.NewClient(account.AuthRef)
		}
		return nil, fmt.Errorf("unknown provider %q", account.Provider)
	}
	scheduler := syncer.NewScheduler(engine, store, cfg, idx, providerFactory)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start sync scheduler:", err)
	}

	// Services
	undoService := undo.NewService(cfg.UndoWindow, 100)
	mailService := mailusecase.NewService(store, undoService, scheduler)
	searchService := search.NewService(store, embedder, index, cfg)

	// HTTP API
	accountHandler := maildelivery.NewAccountHandler(ctx, store, scheduler, idx)
	emailHandler := maildelivery.NewEmailHandler(mailService)
	searchHandler := searchdelivery.NewSearchHandler(searchService)

	handler := api.NewHandler(accountHandler, emailHandler, searchHandler)
	log.Printf("Starting server on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
