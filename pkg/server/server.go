/*
Copyright 2024 The Hub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server is the HTTP surface of the Hub: webhook ingress with
// HMAC authentication and delivery dedup, the guarded metrics endpoint,
// and the dispatcher that routes events to handlers.
package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/metrics"
	"github.com/mergehub/hub/pkg/store"
)

const (
	signaturePrefix = "sha1="

	metricsHashIterations = 20000
	metricsHashLen        = 32
)

// Server owns the HTTP routes. The webhook secret authenticates
// deliveries; MetricsAuth guards /metrics when configured.
type Server struct {
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	secret      []byte
	metricsAuth *config.MetricsConfig
	webhooks    *store.WebhookStore
	dispatcher  *Dispatcher
}

func New(log logrus.FieldLogger, m *metrics.Metrics, webhookSecret string, metricsAuth *config.MetricsConfig, webhooks *store.WebhookStore, dispatcher *Dispatcher) *Server {
	return &Server{
		log:         log.WithField("component", "server"),
		metrics:     m,
		secret:      []byte(webhookSecret),
		metricsAuth: metricsAuth,
		webhooks:    webhooks,
		dispatcher:  dispatcher,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/hooks/source", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintln(w, "OK")
}

// handleWebhook authenticates, deduplicates, and dispatches one
// delivery. Authentication precedes dedup recording so that a retry of
// a rejected delivery can still succeed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	guid, ok := singleHeader(r, "X-GitHub-Delivery")
	if !ok {
		http.Error(w, "expected one X-GitHub-Delivery header", http.StatusBadRequest)
		return
	}
	kind, ok := singleHeader(r, "X-GitHub-Event")
	if !ok {
		http.Error(w, "expected one X-GitHub-Event header", http.StatusBadRequest)
		return
	}
	signature, ok := singleHeader(r, "X-Hub-Signature")
	if !ok {
		http.Error(w, "expected one X-Hub-Signature header", http.StatusBadRequest)
		return
	}

	if !ValidSignature(s.secret, body, signature) {
		s.log.Warnf("rejecting delivery %s: bad signature", guid)
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}

	fresh, err := s.webhooks.MaybeRecord(guid)
	if err != nil {
		s.log.WithError(err).Error("could not record delivery")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		s.metrics.DuplicateWebhook.Inc()
		http.Error(w, "duplicate", http.StatusBadRequest)
		return
	}

	s.metrics.WebhookCounter.WithLabelValues(kind).Inc()

	status, tag := s.dispatcher.Dispatch(r.Context(), kind, body)
	s.metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	s.log.WithFields(logrus.Fields{
		"event":    kind,
		"delivery": guid,
		"status":   status,
	}).Info(tag)

	w.WriteHeader(status)
	fmt.Fprintln(w, tag)
}

// ValidSignature checks "sha1=<hex>" against HMAC-SHA1 of the body in
// constant time. The hex digits are case-insensitive.
func ValidSignature(secret, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	supplied, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), supplied)
}

// SignBody produces the signature header value for a body, for tests
// and outbound hooks.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// handleMetrics serves the Prometheus registry. When auth is
// configured, the bearer token's salted PBKDF2 hash must match.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsAuth != nil {
		token, ok := bearerToken(r)
		if !ok || !validMetricsToken(s.metricsAuth, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}

func validMetricsToken(cfg *config.MetricsConfig, token string) bool {
	derived := pbkdf2.Key([]byte(token), []byte(cfg.Salt), metricsHashIterations, metricsHashLen, sha256.New)
	hash := hex.EncodeToString(derived)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(strings.ToLower(cfg.PassHash))) == 1
}

// HashMetricsToken derives the stored hash for a metrics token; used by
// operators to provision MetricsConfig.
func HashMetricsToken(salt, token string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(token), []byte(salt), metricsHashIterations, metricsHashLen, sha256.New))
}

// singleHeader returns the header value iff it appears exactly once.
func singleHeader(r *http.Request, name string) (string, bool) {
	values := r.Header.Values(name)
	if len(values) != 1 {
		return "", false
	}
	return values[0], true
}
