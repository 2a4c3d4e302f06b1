package server

import (
	"net/http"
)

// handleWebhook routes an inbound delivery to every ingestor whose
// webhookPath matches the request path. Webhook paths are synthesized as
// /webhooks/{caller}/{connection} when an ingestor is started (factories.go),
// so in practice exactly one ingestor ever matches.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	matches := s.ingestors.GetWebhookIngestors(r.URL.Path)
	if len(matches) == 0 {
		http.NotFound(w, r)
		return
	}
	for _, inst := range matches {
		if handler, ok := inst.(http.Handler); ok {
			handler.ServeHTTP(w, r)
			return
		}
	}
	http.NotFound(w, r)
}
