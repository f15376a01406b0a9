// Backend is a simple test HTTP server used while developing the proxy.
// It answers any path with a JSON body naming the instance, serves a
// health endpoint, and can simulate latency and failures to exercise
// duration histograms and circuit breaking.
//
// Usage:
//
//	go run backend.go -port 8081 -name web-1 -latency 50ms -fail-rate 0.1
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

func main() {
	port := flag.Int("port", 8081, "port to listen on")
	name := flag.String("name", "backend", "instance name reported in responses")
	latency := flag.Duration("latency", 0, "artificial delay before responding")
	failRate := flag.Float64("fail-rate", 0, "fraction of requests answered with 500")
	flag.Parse()

	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *latency > 0 {
			time.Sleep(*latency)
		}

		if *failRate > 0 && rand.Float64() < *failRate {
			log.Printf("%s %s -> 500 (simulated failure)", r.Method, r.URL.Path)
			http.Error(w, "simulated failure", http.StatusInternalServerError)
			return
		}

		log.Printf("%s %s host=%s", r.Method, r.URL.Path, r.Host)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"backend": *name,
			"path":    r.URL.Path,
			"proto":   r.Proto,
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("test backend %q listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
