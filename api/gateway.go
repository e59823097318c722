package api

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/vskavo/hadda-erp-sub001/internal/config"
	"github.com/vskavo/hadda-erp-sub001/internal/serviceiface"
)

// GatewayService fronts the per-service servers behind one port, forwarding
// by path prefix.
type GatewayService struct {
	config map[string]interface{}
	srv    *http.Server
}

func NewGatewayService(cfg map[string]interface{}) serviceiface.Service {
	return &GatewayService{config: cfg}
}

func (s *GatewayService) Name() string {
	return "gateway"
}

func (s *GatewayService) Start() error {
	port := config.DefaultGatewayPort
	if p, ok := s.config["port"].(string); ok && p != "" {
		port = p
	}
	reconciliationURL := "http://localhost:" + config.DefaultReconciliationPort
	if u, ok := s.config["reconciliation_url"].(string); ok && u != "" {
		reconciliationURL = u
	}

	router := mux.NewRouter()
	router.HandleFunc("/heartbeat", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	}).Methods("GET")
	if err := mountProxy(router, "/reconciliation", reconciliationURL); err != nil {
		return err
	}

	s.srv = &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		log.Println("Gateway started on :" + port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Gateway failed: %v", err)
		}
	}()
	return nil
}

func (s *GatewayService) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func mountProxy(router *mux.Router, prefix, target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	router.PathPrefix(prefix).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[GATEWAY] %s %s -> %s", r.Method, r.URL.Path, target)
		proxy.ServeHTTP(w, r)
	}))
	return nil
}
