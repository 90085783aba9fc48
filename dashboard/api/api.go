/*Package api is the RESTful and websocket interface of the dashboard.

All read routes are constrained by the caller's scope: admins see
everything, tenant tokens only their own slice. A tenant asking for
another tenant's device gets a 404, not a 403, so the route does not
leak which devices exist.
*/
package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fov-tech/fovdash/core/access"
	"github.com/fov-tech/fovdash/core/logger"
	"github.com/fov-tech/fovdash/core/tenant"
	"github.com/fov-tech/fovdash/dashboard/devices"
	"github.com/fov-tech/fovdash/dashboard/push"
	"github.com/fov-tech/fovdash/dashboard/relays"
)

const defaultTokenTTL = 24 * time.Hour

// API is the dashboard's HTTP interface.
type API struct {
	registry      *tenant.Registry
	devices       *devices.Store
	relays        *relays.Store
	hub           *push.Hub
	jwtSecret     []byte
	adminPassword string
	tokenTTL      time.Duration
	dropped       func() uint64
	upgrader      websocket.Upgrader
	started       time.Time
}

// Builder is a builder helper for the API.
type Builder struct {
	// Registry is the static tenant table. This is mandatory.
	Registry *tenant.Registry
	// Devices is the device state store. This is mandatory.
	Devices *devices.Store
	// Relays is the relay liveness store. This is mandatory.
	Relays *relays.Store
	// Hub is the push fan-out. This is mandatory.
	Hub *push.Hub
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// JwtSecret signs and verifies session tokens. This is mandatory.
	JwtSecret []byte
	// AdminPassword, when set, enables the admin login.
	AdminPassword string
	// TokenTTL is the session token lifetime. Defaults to 24h.
	TokenTTL time.Duration
	// DroppedPublishes reports the broker-side dropped publish count
	// for the status route. Optional.
	DroppedPublishes func() uint64
}

// NewAPI realizes the actual API and adds its routes to the router.
func NewAPI(b *Builder) *API {
	if b.Registry == nil {
		panic("registry is missing")
	}
	if b.Devices == nil {
		panic("device store is missing")
	}
	if b.Relays == nil {
		panic("relay store is missing")
	}
	if b.Hub == nil {
		panic("hub is missing")
	}
	if b.Router == nil {
		panic("router is missing")
	}
	if len(b.JwtSecret) == 0 {
		panic("jwt secret is missing")
	}

	ttl := b.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	dropped := b.DroppedPublishes
	if dropped == nil {
		dropped = func() uint64 { return 0 }
	}

	a := &API{
		registry:      b.Registry,
		devices:       b.Devices,
		relays:        b.Relays,
		hub:           b.Hub,
		jwtSecret:     b.JwtSecret,
		adminPassword: b.AdminPassword,
		tokenTTL:      ttl,
		dropped:       dropped,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// cross-origin dashboards are expected, auth is the token
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now().UTC(),
	}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Infoln("api: handle route /api/login POST")
	logger.Default().Infoln("api: handle route /api/health GET")
	logger.Default().Infoln("api: handle route /api/meta/tenants GET")
	logger.Default().Infoln("api: handle route /api/status GET")
	logger.Default().Infoln("api: handle route /api/devices GET")
	logger.Default().Infoln("api: handle route /api/relays GET")
	logger.Default().Infoln("api: handle route /api/device/{device_name}/history GET")
	logger.Default().Infoln("api: handle route /api/device/{device_name}/tenant PUT")
	logger.Default().Infoln("api: handle route /ws GET")

	router.HandleFunc("/api/login", a.login).Methods(http.MethodPost)
	router.HandleFunc("/api/health", a.health).Methods(http.MethodGet)
	router.HandleFunc("/api/meta/tenants", a.tenants).Methods(http.MethodGet)
	router.HandleFunc("/api/status", a.status).Methods(http.MethodGet)
	router.HandleFunc("/api/devices", a.deviceList).Methods(http.MethodGet)
	router.HandleFunc("/api/relays", a.relayList).Methods(http.MethodGet)
	router.HandleFunc("/api/device/{device_name}/history", a.history).Methods(http.MethodGet)
	router.HandleFunc("/api/device/{device_name}/tenant", a.reassign).Methods(http.MethodPut)
	router.HandleFunc("/ws", a.websocketHandler).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	jsonData, _ := json.MarshalIndent(v, "", " ")
	w.Write(jsonData)
}

// requireScope resolves the caller's scope or answers 401.
func requireScope(w http.ResponseWriter, r *http.Request) (access.Scope, bool) {
	scope, ok := access.ScopeFromContext(r.Context())
	if !ok || !scope.Authorized() {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return access.Scope{}, false
	}
	return scope, true
}

type loginRequest struct {
	Tenant   string `json:"tenant"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Scope string `json:"scope"`
}

// login exchanges a credential for a session token. An empty tenant
// together with the admin password yields the admin scope.
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	request := loginRequest{}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	scope := access.Scope{}
	switch {
	case len(request.Tenant) == 0:
		if len(a.adminPassword) == 0 || request.Password != a.adminPassword {
			rlog.Warnln("failed admin login")
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		scope.Admin = true
	default:
		if !a.registry.VerifyPassword(request.Tenant, request.Password) {
			rlog.Warnln("failed login for tenant", request.Tenant)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		scope.Tenant = request.Tenant
	}

	token, err := access.CreateToken(a.jwtSecret, scope, a.tokenTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	name := scope.Tenant
	if scope.Admin {
		name = access.SubjectAdmin
	}
	rlog.Infoln("login:", name)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Scope: name})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tenantInfo struct {
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// tenants lists the tenants the caller may see. Credentials never
// leave the registry.
func (a *API) tenants(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	response := []tenantInfo{}
	for _, t := range a.registry.All() {
		if !scope.CanAccess(t.Slug) {
			continue
		}
		response = append(response, tenantInfo{Slug: t.Slug, Name: t.Name, Region: t.Region})
	}
	writeJSON(w, http.StatusOK, response)
}

// status reports operational counters. Broker and client counters are
// global, so they are admin-only.
func (a *API) status(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	response := map[string]interface{}{
		"devices": len(a.devices.Devices(scope)),
		"relays":  len(a.scopedRelays(scope)),
		"uptime":  time.Since(a.started).Round(time.Second).String(),
	}
	if scope.Admin {
		response["push_clients"] = a.hub.Count()
		response["dropped_publishes"] = a.dropped()
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) deviceList(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.devices.Devices(scope))
}

func (a *API) scopedRelays(scope access.Scope) map[string]relays.State {
	result := map[string]relays.State{}
	for id, state := range a.relays.All() {
		if scope.Admin || (len(state.Tenant) > 0 && scope.CanAccess(state.Tenant)) {
			result[id] = state
		}
	}
	return result
}

func (a *API) relayList(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.scopedRelays(scope))
}

type historyResponse struct {
	Logs    []devices.HistoryEntry `json:"logs"`
	HasMore bool                   `json:"hasMore"`
	LastID  int                    `json:"lastId"`
}

// history returns one page of a device's metric history, newest first.
// Pagination is cursor-based on lastId.
func (a *API) history(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["device_name"]

	view, ok := a.devices.Device(name)
	if !ok || !scope.CanAccess(view.Tenant) {
		// unknown and foreign devices are indistinguishable
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	queryValues := r.URL.Query()
	query := devices.HistoryQuery{
		Metric: queryValues.Get("metric_type"),
	}
	hours := 24
	if value := queryValues.Get("hours"); len(value) > 0 {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid hours", http.StatusBadRequest)
			return
		}
		hours = parsed
	}
	startTime := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	query.StartTime = &startTime
	if value := queryValues.Get("last_id"); len(value) > 0 {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			http.Error(w, "invalid last_id", http.StatusBadRequest)
			return
		}
		query.LastID = parsed
	}
	if value := queryValues.Get("page_size"); len(value) > 0 {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid page_size", http.StatusBadRequest)
			return
		}
		query.PageSize = parsed
	}

	entries, hasMore, err := a.devices.History(r.Context(), name, query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := historyResponse{Logs: entries, HasMore: hasMore}
	if len(entries) > 0 {
		response.LastID = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, response)
}

type reassignRequest struct {
	Tenant string `json:"tenant"`
}

// reassign moves a device to another tenant. Admin only.
func (a *API) reassign(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	if !scope.Admin {
		http.Error(w, "admin scope required", http.StatusForbidden)
		return
	}
	name := mux.Vars(r)["device_name"]

	request := reassignRequest{}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if _, ok := a.registry.Get(request.Tenant); !ok && len(request.Tenant) > 0 {
		http.Error(w, "unknown tenant", http.StatusBadRequest)
		return
	}

	view, err := a.devices.ReassignTenant(r.Context(), name, request.Tenant)
	if err == devices.ErrNotFound {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// snapshot assembles the initial frames for a freshly registered push
// client: every device and relay the scope may see, devices first,
// each in stable name order.
func (a *API) snapshot(scope access.Scope) []push.Frame {
	frames := []push.Frame{}

	deviceViews := a.devices.Devices(scope)
	names := make([]string, 0, len(deviceViews))
	for name := range deviceViews {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		frames = append(frames, push.Frame{Topic: name, Message: deviceViews[name]})
	}

	relayStates := a.scopedRelays(scope)
	ids := make([]string, 0, len(relayStates))
	for id := range relayStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		frames = append(frames, push.Frame{Topic: "relay:" + id, Message: relayStates[id]})
	}
	return frames
}

// websocketHandler upgrades the connection and registers it with the
// hub. The read loop only services pings and close frames; the push
// channel is write-only for clients.
func (a *API) websocketHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	rlog := logger.FromContext(r.Context())

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Warnln("websocket upgrade failed")
		return
	}

	a.hub.Register(conn, scope, a.snapshot(scope))
	defer a.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			rlog.Debugln("websocket closed:", err)
			return
		}
	}
}
