// mock-ai is a stand-in AI backend for local runs. It answers every
// analysis request with a canned welfare assessment and a usage block the
// gateway can read tokens and cost from.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"time"
)

type request struct {
	PromptTemplateID string          `json:"promptTemplateId"`
	PromptVersion    string          `json:"promptVersion"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	Payload          json.RawMessage `json:"payload"`
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	failRate := flag.Float64("fail-rate", 0, "fraction of requests answered with 503")
	delay := flag.Duration("delay", 200*time.Millisecond, "simulated model latency")
	flag.Parse()

	http.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}

		time.Sleep(*delay)
		if rand.Float64() < *failRate {
			log.Printf("request %s: simulated outage", r.Header.Get("X-Request-ID"))
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}

		tokens := 150 + len(req.Payload)/4
		response := map[string]interface{}{
			"result": map[string]interface{}{
				"template":      req.PromptTemplateID,
				"version":       req.PromptVersion,
				"welfare_score": 3,
				"summary":       "Mock assessment: no welfare certifications detected.",
			},
			"usage": map[string]interface{}{
				"total_tokens":       tokens,
				"estimated_cost_usd": float64(tokens) * 0.000002,
			},
			"model": req.Model,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)

		log.Printf("request %s: %s/%s model=%s tokens=%d",
			r.Header.Get("X-Request-ID"), req.PromptTemplateID, req.PromptVersion, req.Model, tokens)
	})

	log.Printf("Mock AI backend listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
