// Package controlapi is the inbound REST boundary spec.md §6 describes:
// state/region/loading control plus the customer/host-scheme/monitor tree
// CRUD. Every route is wrapped by transportauth.RequireSharedSecret, so
// handlers here see only authenticated requests (spec.md §7 rule 3);
// input validation failures are reported in the body with a `status`
// string starting `failed,` rather than as non-200 responses, except for
// malformed envelopes which yield 400 (spec.md §7 rule 4). Route
// composition follows the teacher's routes.go shape: one ServeMux, which
// cmd/pollingserver/main.go wraps once as a whole rather than handler by
// handler.
package controlapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"pollingserver/internal/ids"
	"pollingserver/internal/pollog"
	"pollingserver/internal/topology"
	"pollingserver/internal/tracker"
)

// WheelLoading is tracker.WheelLoading under a local name; its JSON
// struct tags are declared in the tracker package.
type WheelLoading = tracker.WheelLoading

// Tracker is the narrow view of tracker.Tracker the control API needs.
type Tracker interface {
	AddCustomer(cust *topology.Customer)
	RemoveCustomer(cust *topology.Customer) bool
	GoActive()
	GoInactive()
	UpdateRegionData(regionIndex, numberRegions uint32)
	MonitorsPerSecond() float64
	LoadingSnapshots() (singleRegion, multiRegion map[string][]WheelLoading)
}

// HostMetrics is the narrow view of hostmetrics.Sampler the /loading/get
// response needs.
type HostMetrics interface {
	CPULoading() uint16
	MemoryLoading() uint16
}

// registry tracks installed customers by id, the state controlapi owns
// that neither Tracker nor Worker keep once a customer is placed (spec.md
// §6 customer/remove and customer/pause need to find the *topology.Customer
// by id again).
type registry struct {
	mu        sync.Mutex
	customers map[ids.CustomerID]*topology.Customer
}

func newRegistry() *registry {
	return &registry{customers: map[ids.CustomerID]*topology.Customer{}}
}

func (r *registry) get(id ids.CustomerID) (*topology.Customer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[id]
	return c, ok
}

func (r *registry) put(cust *topology.Customer) {
	r.mu.Lock()
	r.customers[cust.ID()] = cust
	r.mu.Unlock()
}

func (r *registry) delete(id ids.CustomerID) {
	r.mu.Lock()
	delete(r.customers, id)
	r.mu.Unlock()
}

// Server holds the handlers over a Tracker.
type Server struct {
	tracker Tracker
	metrics HostMetrics
	logger  *pollog.Logger
	reg     *registry
}

// New constructs a Server. Wrap its Mux() return value with
// transportauth.RequireSharedSecret before serving.
func New(tracker Tracker, metrics HostMetrics, logger *pollog.Logger) *Server {
	return &Server{
		tracker: tracker,
		metrics: metrics,
		logger:  logger.With("controlapi"),
		reg:     newRegistry(),
	}
}

// Mux builds the inbound route table (spec.md §6).
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state/active", s.handleStateActive)
	mux.HandleFunc("/state/inactive", s.handleStateInactive)
	mux.HandleFunc("/region/change", s.handleRegionChange)
	mux.HandleFunc("/loading/get", s.handleLoadingGet)
	mux.HandleFunc("/customer/add", s.handleCustomerAdd)
	mux.HandleFunc("/customer/remove", s.handleCustomerRemove)
	mux.HandleFunc("/customer/pause", s.handleCustomerPause)
	return mux
}

type statusReply struct {
	Status string `json:"status"`
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, statusReply{Status: "OK"})
}

func writeFailed(w http.ResponseWriter, reason string) {
	writeJSON(w, statusReply{Status: "failed, " + reason})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody unmarshals the JSON request body into v, writing a 400 on a
// malformed envelope (spec.md §7 rule 4 — the only case that is not a 200
// with a `failed,` status).
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleStateActive(w http.ResponseWriter, r *http.Request) {
	s.tracker.GoActive()
	writeOK(w)
}

func (s *Server) handleStateInactive(w http.ResponseWriter, r *http.Request) {
	s.tracker.GoInactive()
	writeOK(w)
}

type regionChangeRequest struct {
	RegionIndex   uint32 `json:"region_index"`
	NumberRegions uint32 `json:"number_regions"`
}

func (s *Server) handleRegionChange(w http.ResponseWriter, r *http.Request) {
	var req regionChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NumberRegions == 0 || req.RegionIndex >= req.NumberRegions {
		writeFailed(w, "invalid parameters")
		return
	}
	s.tracker.UpdateRegionData(req.RegionIndex, req.NumberRegions)
	writeOK(w)
}

type loadingData struct {
	CPU          float64                   `json:"cpu"`
	Memory       float64                   `json:"memory"`
	SingleRegion map[string][]WheelLoading `json:"single_region"`
	MultiRegion  map[string][]WheelLoading `json:"multi_region"`
}

type loadingReply struct {
	Status string      `json:"status"`
	Data   loadingData `json:"data"`
}

func (s *Server) handleLoadingGet(w http.ResponseWriter, r *http.Request) {
	single, multi := s.tracker.LoadingSnapshots()
	writeJSON(w, loadingReply{
		Status: "OK",
		Data: loadingData{
			CPU:          float64(s.metrics.CPULoading()) / 65535.0,
			Memory:       float64(s.metrics.MemoryLoading()) / 65535.0,
			SingleRegion: single,
			MultiRegion:  multi,
		},
	})
}

// monitorPayload mirrors one entry of customer/add's nested monitors map
// (spec.md §6).
type monitorPayload struct {
	URI              string   `json:"uri"`
	Method           string   `json:"method"`
	ContentCheckMode string   `json:"content_check_mode"`
	PostContentType  string   `json:"post_content_type"`
	Keywords         []string `json:"keywords"`
	PostUserAgent    string   `json:"post_user_agent"`
	PostContent      string   `json:"post_content"`
}

type hostSchemePayload struct {
	URL      string                            `json:"url"`
	Monitors map[string]monitorPayload         `json:"monitors"`
}

type customerPayload struct {
	PollingInterval int                          `json:"polling_interval"`
	Ping            bool                         `json:"ping"`
	SSLExpiration   bool                         `json:"ssl_expiration"`
	Latency         bool                         `json:"latency"`
	MultiRegion     bool                         `json:"multi_region"`
	HostSchemes     map[string]hostSchemePayload `json:"host_schemes"`
}

func parseMethod(s string) (topology.Method, error) {
	switch s {
	case "GET":
		return topology.MethodGET, nil
	case "HEAD":
		return topology.MethodHEAD, nil
	case "POST":
		return topology.MethodPOST, nil
	case "PUT":
		return topology.MethodPUT, nil
	case "DELETE":
		return topology.MethodDELETE, nil
	case "OPTIONS":
		return topology.MethodOPTIONS, nil
	case "PATCH":
		return topology.MethodPATCH, nil
	default:
		return 0, fmt.Errorf("unknown method %q", s)
	}
}

func parseContentCheckMode(s string) (topology.ContentCheckMode, error) {
	switch s {
	case "", "none":
		return topology.NoCheck, nil
	case "content_match":
		return topology.ContentMatch, nil
	case "any_keywords":
		return topology.AnyKeywords, nil
	case "all_keywords":
		return topology.AllKeywords, nil
	case "smart_content_match":
		return topology.SmartContentMatch, nil
	default:
		return 0, fmt.Errorf("unknown content_check_mode %q", s)
	}
}

func parseContentType(s string) (topology.ContentType, error) {
	switch s {
	case "", "text/plain":
		return topology.ContentText, nil
	case "application/json":
		return topology.ContentJSON, nil
	case "application/xml":
		return topology.ContentXML, nil
	default:
		return 0, fmt.Errorf("unknown post_content_type %q", s)
	}
}

func buildCustomer(custIDStr string, payload customerPayload) (*topology.Customer, error) {
	custIDNum, err := strconv.ParseUint(custIDStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid customer id %q: %w", custIDStr, err)
	}
	custID := ids.CustomerID(custIDNum)

	cust := topology.NewCustomer(custID, payload.Ping, payload.SSLExpiration, payload.Latency, payload.MultiRegion, payload.PollingInterval)

	// Deterministic order so an error mid-build always references the
	// same host-scheme regardless of map iteration order.
	hsIDs := make([]string, 0, len(payload.HostSchemes))
	for k := range payload.HostSchemes {
		hsIDs = append(hsIDs, k)
	}
	sort.Strings(hsIDs)

	for _, hsIDStr := range hsIDs {
		hsPayload := payload.HostSchemes[hsIDStr]
		hsIDNum, err := strconv.ParseUint(hsIDStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid host_scheme id %q: %w", hsIDStr, err)
		}
		u, err := url.Parse(hsPayload.URL)
		if err != nil {
			return nil, fmt.Errorf("host_scheme %s: invalid url %q: %w", hsIDStr, hsPayload.URL, err)
		}
		hs := topology.NewHostScheme(ids.HostSchemeID(hsIDNum), u, nil, nil)

		monIDs := make([]string, 0, len(hsPayload.Monitors))
		for k := range hsPayload.Monitors {
			monIDs = append(monIDs, k)
		}
		sort.Strings(monIDs)

		for _, monIDStr := range monIDs {
			monPayload := hsPayload.Monitors[monIDStr]
			monIDNum, err := strconv.ParseUint(monIDStr, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid monitor id %q: %w", monIDStr, err)
			}
			method, err := parseMethod(monPayload.Method)
			if err != nil {
				return nil, fmt.Errorf("monitor %s: %w", monIDStr, err)
			}
			mode, err := parseContentCheckMode(monPayload.ContentCheckMode)
			if err != nil {
				return nil, fmt.Errorf("monitor %s: %w", monIDStr, err)
			}
			contentType, err := parseContentType(monPayload.PostContentType)
			if err != nil {
				return nil, fmt.Errorf("monitor %s: %w", monIDStr, err)
			}
			keywords := make([][]byte, 0, len(monPayload.Keywords))
			for _, kw := range monPayload.Keywords {
				decoded, err := base64.StdEncoding.DecodeString(kw)
				if err != nil {
					return nil, fmt.Errorf("monitor %s: invalid base64 keyword: %w", monIDStr, err)
				}
				keywords = append(keywords, decoded)
			}
			var postBody []byte
			if monPayload.PostContent != "" {
				postBody, err = base64.StdEncoding.DecodeString(monPayload.PostContent)
				if err != nil {
					return nil, fmt.Errorf("monitor %s: invalid base64 post_content: %w", monIDStr, err)
				}
			}
			mon := topology.NewMonitor(ids.MonitorID(monIDNum), monPayload.URI, method, mode, keywords, contentType, monPayload.PostUserAgent, postBody)
			hs.AddMonitor(mon)
		}

		cust.AddHostScheme(hs)
	}

	return cust, nil
}

// handleCustomerAdd implements spec.md §6's replace-semantics: for each
// customer in the payload, remove any existing customer with that id,
// then install the new tree. The whole payload is parsed and validated
// before any mutation, so a failure partway through leaves nothing
// installed (spec.md §6).
func (s *Server) handleCustomerAdd(w http.ResponseWriter, r *http.Request) {
	var payload map[string]customerPayload
	if !decodeBody(w, r, &payload) {
		return
	}

	built := make([]*topology.Customer, 0, len(payload))
	for custIDStr, custPayload := range payload {
		cust, err := buildCustomer(custIDStr, custPayload)
		if err != nil {
			writeFailed(w, err.Error())
			return
		}
		built = append(built, cust)
	}

	for _, cust := range built {
		if existing, ok := s.reg.get(cust.ID()); ok {
			s.tracker.RemoveCustomer(existing)
			s.reg.delete(existing.ID())
		}
		s.tracker.AddCustomer(cust)
		s.reg.put(cust)
	}
	writeOK(w)
}

type customerRemoveRequest struct {
	CustomerID uint32 `json:"customer_id"`
}

func (s *Server) handleCustomerRemove(w http.ResponseWriter, r *http.Request) {
	var req customerRemoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CustomerID == 0 {
		writeFailed(w, "invalid customer_id")
		return
	}
	custID := ids.CustomerID(req.CustomerID)
	cust, ok := s.reg.get(custID)
	if !ok {
		writeFailed(w, "unknown customer")
		return
	}
	s.tracker.RemoveCustomer(cust)
	s.reg.delete(custID)
	writeOK(w)
}

type customerPauseRequest struct {
	CustomerID uint32 `json:"customer_id"`
	Pause      bool   `json:"pause"`
}

func (s *Server) handleCustomerPause(w http.ResponseWriter, r *http.Request) {
	var req customerPauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	custID := ids.CustomerID(req.CustomerID)
	cust, ok := s.reg.get(custID)
	if !ok {
		writeFailed(w, "unknown customer")
		return
	}
	cust.SetPaused(req.Pause)
	writeOK(w)
}
