package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mica-kv/mica/internal/fabric"
)

// httpClient is the shared client used for all directory HTTP traffic,
// pooled the same way as torua's cluster package: one client, reused
// across every request rather than constructed per call.
var httpClient = &http.Client{Timeout: 5 * time.Second}

func postJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry: http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotPublished
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry: http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var errNotPublished = fmt.Errorf("registry: name not published yet")

type publishRequest struct {
	Name string `json:"name"`
	Addr []byte `json:"addr"`
}

type lookupResponse struct {
	Addr []byte `json:"addr"`
}

// HTTPDirectory is a networked rendezvous directory: publishers POST to a
// central Server, lookups GET from it. Lookup makes a single attempt and
// does not wait for the next publish, since an HTTP GET has no notion of
// that; retry-with-backoff is left to WaitFor.
type HTTPDirectory struct {
	baseURL string
}

// NewHTTPDirectory returns a directory client pointed at a Server running
// at baseURL (e.g. "http://registry.internal:7070").
func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{baseURL: baseURL}
}

// Publish implements fabric.Directory.
func (d *HTTPDirectory) Publish(name string, addr fabric.EndpointAddr) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return postJSON(ctx, d.baseURL+"/publish", publishRequest{Name: name, Addr: addr}, nil)
}

// Lookup implements fabric.Directory: one attempt, not published yet
// returns errNotPublished. Callers needing retry-until-found should wrap
// this in WaitFor.
func (d *HTTPDirectory) Lookup(ctx context.Context, name string) (fabric.EndpointAddr, error) {
	var resp lookupResponse
	if err := getJSON(ctx, d.baseURL+"/lookup?name="+name, &resp); err != nil {
		return nil, err
	}
	return fabric.EndpointAddr(resp.Addr), nil
}

// Server is the HTTP counterpart to HTTPDirectory: an in-memory directory
// exposed over the same /publish and /lookup routes the client speaks.
type Server struct {
	mu      sync.Mutex
	entries map[string]fabric.EndpointAddr
}

// NewServer constructs an empty directory server.
func NewServer() *Server {
	return &Server{entries: make(map[string]fabric.EndpointAddr)}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/lookup", s.handleLookup)
	return mux
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.entries[req.Name] = req.Addr
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	s.mu.Lock()
	addr, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	_ = json.NewEncoder(w).Encode(lookupResponse{Addr: addr})
}
