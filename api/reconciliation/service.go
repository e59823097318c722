package reconciliation

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vskavo/hadda-erp-sub001/internal/config"
	"github.com/vskavo/hadda-erp-sub001/internal/serviceiface"
)

// ReconciliationService runs the engine's HTTP surface on its own port, in
// the same per-service server pattern as the rest of the platform.
type ReconciliationService struct {
	config map[string]interface{}
	pool   *pgxpool.Pool
	srv    *http.Server
}

func NewReconciliationService(cfg map[string]interface{}, pool *pgxpool.Pool) serviceiface.Service {
	return &ReconciliationService{config: cfg, pool: pool}
}

func (s *ReconciliationService) Name() string {
	return "reconciliation"
}

func (s *ReconciliationService) Start() error {
	port := config.DefaultReconciliationPort
	if p, ok := s.config["port"].(string); ok && p != "" {
		port = p
	}
	engine := NewEngine(NewPgStore(s.pool))
	s.srv = &http.Server{Addr: ":" + port, Handler: NewRouter(engine)}
	go func() {
		log.Println("Reconciliation Service started on :" + port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Reconciliation Service failed: %v", err)
		}
	}()
	return nil
}

func (s *ReconciliationService) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
