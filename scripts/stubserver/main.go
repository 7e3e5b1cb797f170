// Stub server for local testing - emulates the user service, template
// service, API gateway, and SendGrid on one port.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	requestCount uint64
	failureCount uint64
)

type apiEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	latency := flag.Int("latency", 50, "average response latency in ms")
	disableEmail := flag.Bool("disable-email", false, "report the email channel as disabled")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			total := atomic.LoadUint64(&requestCount)
			failures := atomic.LoadUint64(&failureCount)
			if total > 0 {
				fmt.Printf("[STATS] Total: %d | Failures: %d | Rate: %.1f req/s\n",
					total, failures, float64(total)/5.0)
				atomic.StoreUint64(&requestCount, 0)
				atomic.StoreUint64(&failureCount, 0)
			}
		}
	}()

	maybeFail := func(w http.ResponseWriter, r *http.Request) bool {
		atomic.AddUint64(&requestCount, 1)
		if *latency > 0 {
			time.Sleep(time.Duration(*latency+rand.Intn(*latency)) * time.Millisecond / 2)
		}
		if !*quiet {
			fmt.Printf("[REQ] %s %s | Correlation-ID: %s\n",
				r.Method, r.URL.Path, r.Header.Get("X-Correlation-ID"))
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			atomic.AddUint64(&failureCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("simulated failure"))
			return true
		}
		return false
	}

	respond := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(apiEnvelope{Success: true, Message: "ok", Data: data})
	}

	// User service
	http.HandleFunc("/api/v1/users/", func(w http.ResponseWriter, r *http.Request) {
		if maybeFail(w, r) {
			return
		}
		userID := strings.TrimPrefix(r.URL.Path, "/api/v1/users/")
		respond(w, map[string]any{
			"id":    userID,
			"name":  "Stub User",
			"email": fmt.Sprintf("%s@example.com", userID),
			"preferences": map[string]bool{
				"email": !*disableEmail,
				"push":  false,
			},
		})
	})

	// Template service: raw template lookup
	http.HandleFunc("/api/v1/templates/code/", func(w http.ResponseWriter, r *http.Request) {
		if maybeFail(w, r) {
			return
		}
		code := strings.TrimPrefix(r.URL.Path, "/api/v1/templates/code/")
		respond(w, map[string]any{
			"id":      "tpl-" + code,
			"code":    code,
			"name":    code,
			"subject": "Hello {{name}}",
			"body":    "<p>Hi {{name}}, visit {{link}}.</p>",
		})
	})

	// Template service: combined render
	http.HandleFunc("/api/v1/templates/render", func(w http.ResponseWriter, r *http.Request) {
		if maybeFail(w, r) {
			return
		}
		var req struct {
			UserID    string            `json:"user_id"`
			Variables map[string]string `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		name := req.Variables["name"]
		respond(w, map[string]any{
			"email":   fmt.Sprintf("%s@example.com", req.UserID),
			"subject": "Hello " + name,
			"body":    "<p>Hi " + name + ".</p>",
			"user_preferences": map[string]bool{
				"email": !*disableEmail,
				"push":  false,
			},
		})
	})

	// API gateway status callback
	http.HandleFunc("/api/v1/email/status", func(w http.ResponseWriter, r *http.Request) {
		if maybeFail(w, r) {
			return
		}
		respond(w, nil)
	})

	// SendGrid
	http.HandleFunc("/v3/mail/send", func(w http.ResponseWriter, r *http.Request) {
		if maybeFail(w, r) {
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("stub server listening on %s (fail-rate=%.2f latency=%dms)\n", addr, *failRate, *latency)
	if err := http.ListenAndServe(addr, nil); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}
