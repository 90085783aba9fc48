/*Package devices is the authoritative store for device state.

It keeps a per-device latest-value cache in memory and a durable
append-only history in postgres. All device records are created,
updated and queried here; the store is the single mutation entrypoint
for the ingestion path.
*/
package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/fov-tech/fovdash/core/access"
	"github.com/fov-tech/fovdash/core/csql"
	"github.com/fov-tech/fovdash/core/logger"
)

// onlineThreshold is how long a device may stay silent before it is
// reported offline.
const onlineThreshold = 61 * time.Second

// ErrNotFound is returned for devices that do not exist. The API layer
// also maps authorization failures to this error, so callers cannot
// distinguish another tenant's device from a missing one.
var ErrNotFound = errors.New("device not found")

// View is the denormalized current state of one device, as pushed to
// dashboard clients.
type View struct {
	Name            string     `json:"name"`
	Tenant          string     `json:"tenant,omitempty"`
	Online          bool       `json:"wifiConnected"`
	BatteryCharge   float64    `json:"batteryCharge"`
	Temperature     float64    `json:"temperature"`
	LatencyMs       float64    `json:"latencyMs"`
	FirmwareVersion string     `json:"firmwareVersion"`
	OTAStatus       string     `json:"otaStatus"`
	LastMessageTime *time.Time `json:"lastMessageTime"`
	FirstSeen       *time.Time `json:"firstSeen"`
}

// HistoryEntry is one immutable history record.
type HistoryEntry struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"ts"`
	Metric    string    `json:"metric"`
	Value     string    `json:"value"`
}

// HistoryQuery filters a history page.
type HistoryQuery struct {
	Metric    string
	StartTime *time.Time
	EndTime   *time.Time
	// PageSize limits the number of rows returned.
	PageSize int
	// LastID, when set, returns only rows with a smaller id. This is
	// the pagination cursor.
	LastID int
}

// Store is the device state store.
type Store struct {
	db *csql.DB

	mu    sync.Mutex
	cache map[string]View
}

// MustNewStore creates the device tables if they do not exist and
// loads the latest-state cache.
func MustNewStore(db *csql.DB) *Store {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.device
(device_id SERIAL PRIMARY KEY,
tenant varchar NOT NULL DEFAULT '',
name varchar UNIQUE NOT NULL,
online boolean NOT NULL DEFAULT false,
last_message_time timestamp,
first_seen timestamp NOT NULL,
latest_values json NOT NULL
);
CREATE INDEX IF NOT EXISTS device_last_message_idx ON ` + db.Schema + `.device(last_message_time);
CREATE table IF NOT EXISTS ` + db.Schema + `.device_log
(log_id SERIAL PRIMARY KEY,
device_id integer NOT NULL references ` + db.Schema + `.device(device_id) ON DELETE CASCADE,
timestamp timestamp NOT NULL,
metric varchar NOT NULL,
value varchar NOT NULL
);
CREATE INDEX IF NOT EXISTS device_log_metric_time_idx ON ` + db.Schema + `.device_log(device_id, metric, timestamp);
CREATE OR REPLACE VIEW ` + db.Schema + `.device_log_norm AS
SELECT l.log_id, l.timestamp, d.name AS device, d.tenant, l.metric, l.value
FROM ` + db.Schema + `.device_log l JOIN ` + db.Schema + `.device d ON d.device_id = l.device_id;`)
	if err != nil {
		panic(err)
	}

	s := &Store{db: db, cache: map[string]View{}}
	s.mustLoadCache()
	return s
}

func (s *Store) mustLoadCache() {
	rows, err := s.db.Query(`SELECT tenant, name, online, last_message_time, first_seen, latest_values FROM ` + s.db.Schema + `.device;`)
	if err != nil {
		panic(err)
	}
	defer rows.Close()
	for rows.Next() {
		view, err := scanView(rows)
		if err != nil {
			panic(err)
		}
		s.cache[view.Name] = view
	}
	logger.Default().Infof("loaded %d devices from database", len(s.cache))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanView(row rowScanner) (View, error) {
	var (
		view            View
		lastMessageTime sql.NullTime
		firstSeen       sql.NullTime
		latestValues    []byte
	)
	err := row.Scan(&view.Tenant, &view.Name, &view.Online, &lastMessageTime, &firstSeen, &latestValues)
	if err != nil {
		return view, err
	}
	if lastMessageTime.Valid {
		t := lastMessageTime.Time
		view.LastMessageTime = &t
	}
	if firstSeen.Valid {
		t := firstSeen.Time
		view.FirstSeen = &t
	}
	applyLatestValues(&view, latestValues)
	return view, nil
}

func applyLatestValues(view *View, latestValues []byte) {
	values := map[string]string{}
	json.Unmarshal(latestValues, &values)

	view.BatteryCharge = floatOrDefault(values["battery"], 0)
	view.Temperature = floatOrDefault(values["temperature"], 0)
	view.LatencyMs = floatOrDefault(values["latency"], -1)
	view.FirmwareVersion = stringOrDefault(values["version"])
	view.OTAStatus = stringOrDefault(values["ota"])
}

func floatOrDefault(raw string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return fallback
}

func stringOrDefault(raw string) string {
	if len(raw) > 0 {
		return raw
	}
	return "N/A"
}

// GetOrCreate returns the device record, creating it with an empty
// snapshot if absent.
func (s *Store) GetOrCreate(ctx context.Context, tenant, name string) (View, error) {
	s.mu.Lock()
	view, ok := s.cache[name]
	s.mu.Unlock()
	if ok {
		return view, nil
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device(tenant,name,first_seen,latest_values)
VALUES($1,$2,$3,'{}')
ON CONFLICT (name) DO NOTHING;`, tenant, name, now)
	if err != nil {
		return View{}, fmt.Errorf("cannot create device %s: %w", name, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT tenant, name, online, last_message_time, first_seen, latest_values FROM `+s.db.Schema+`.device WHERE name=$1;`, name)
	view, err = scanView(row)
	if err != nil {
		return View{}, err
	}

	s.mu.Lock()
	s.cache[name] = view
	s.mu.Unlock()
	return view, nil
}

// Update is the single mutation entrypoint for ingested telemetry. It
// creates the device if needed, appends one immutable history entry,
// merges the value into the latest snapshot, refreshes the message
// timestamp and online flag, and commits all of it in one transaction.
// The in-memory cache is only updated after a successful commit.
//
// A message claiming a different tenant than the stored one does not
// reassign the device; the claim is logged and ignored. Use
// ReassignTenant for an explicit move. An empty tenant means the
// message carried no tenant claim.
func (s *Store) Update(ctx context.Context, tenant, name, metric, value string) (View, error) {
	rlog := logger.FromContext(ctx)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return View{}, fmt.Errorf("cannot persist update for %s: %w", name, err)
	}
	defer tx.Rollback()

	var (
		deviceID     int
		storedTenant string
		latestValues []byte
	)
	// row lock serializes concurrent updates to the same device
	err = tx.QueryRowContext(ctx,
		`SELECT device_id, tenant, latest_values FROM `+s.db.Schema+`.device WHERE name=$1 FOR UPDATE;`,
		name).Scan(&deviceID, &storedTenant, &latestValues)
	if err == csql.ErrNoRows {
		storedTenant = tenant
		latestValues = []byte("{}")
		err = tx.QueryRowContext(ctx,
			`INSERT INTO `+s.db.Schema+`.device(tenant,name,first_seen,latest_values)
VALUES($1,$2,$3,'{}') RETURNING device_id;`, tenant, name, now).Scan(&deviceID)
	}
	if err != nil {
		return View{}, fmt.Errorf("cannot persist update for %s: %w", name, err)
	}

	if len(tenant) > 0 && len(storedTenant) == 0 {
		// first tenant claim for a device created without one
		storedTenant = tenant
	} else if len(tenant) > 0 && tenant != storedTenant {
		rlog.Warnf("device %s claims tenant %q but belongs to %q, keeping stored tenant", name, tenant, storedTenant)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device_log(device_id,timestamp,metric,value) VALUES($1,$2,$3,$4);`,
		deviceID, now, metric, value)
	if err != nil {
		return View{}, fmt.Errorf("cannot persist update for %s: %w", name, err)
	}

	values := map[string]string{}
	json.Unmarshal(latestValues, &values)
	values[metric] = value
	merged, err := json.Marshal(values)
	if err != nil {
		return View{}, err
	}

	var firstSeen time.Time
	err = tx.QueryRowContext(ctx,
		`UPDATE `+s.db.Schema+`.device
SET tenant=$2, latest_values=$3, last_message_time=$4, online=true
WHERE device_id=$1 RETURNING first_seen;`,
		deviceID, storedTenant, string(merged), now).Scan(&firstSeen)
	if err != nil {
		return View{}, fmt.Errorf("cannot persist update for %s: %w", name, err)
	}

	if err = tx.Commit(); err != nil {
		return View{}, fmt.Errorf("cannot persist update for %s: %w", name, err)
	}

	view := View{
		Name:            name,
		Tenant:          storedTenant,
		Online:          true,
		LastMessageTime: &now,
		FirstSeen:       &firstSeen,
	}
	applyLatestValues(&view, merged)

	s.mu.Lock()
	s.cache[name] = view
	s.mu.Unlock()
	return view, nil
}

// ReassignTenant explicitly moves a device to another tenant. This is
// deliberate: the ingestion path never reassigns silently.
func (s *Store) ReassignTenant(ctx context.Context, name, newTenant string) (View, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE `+s.db.Schema+`.device SET tenant=$2 WHERE name=$1
RETURNING tenant, name, online, last_message_time, first_seen, latest_values;`,
		name, newTenant)
	view, err := scanView(row)
	if err == csql.ErrNoRows {
		return View{}, ErrNotFound
	}
	if err != nil {
		return View{}, err
	}
	logger.FromContext(ctx).Infof("device %s reassigned to tenant %s", name, newTenant)

	s.mu.Lock()
	s.cache[name] = view
	s.mu.Unlock()
	return view, nil
}

// History returns one page of history for a device, newest first.
// hasMore is a hint: it is true exactly when the page is full.
func (s *Store) History(ctx context.Context, name string, query HistoryQuery) (entries []HistoryEntry, hasMore bool, err error) {
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	where := "device = $1"
	args := []interface{}{name}
	if len(query.Metric) > 0 {
		args = append(args, query.Metric)
		where += fmt.Sprintf(" AND metric = $%d", len(args))
	}
	if query.StartTime != nil {
		args = append(args, *query.StartTime)
		where += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if query.EndTime != nil {
		args = append(args, *query.EndTime)
		where += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	if query.LastID > 0 {
		args = append(args, query.LastID)
		where += fmt.Sprintf(" AND log_id < $%d", len(args))
	}
	args = append(args, pageSize)

	rows, err := s.db.QueryContext(ctx,
		`SELECT log_id, timestamp, metric, value FROM `+s.db.Schema+`.device_log_norm
WHERE `+where+` ORDER BY log_id DESC LIMIT $`+strconv.Itoa(len(args))+`;`, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	entries = []HistoryEntry{}
	for rows.Next() {
		e := HistoryEntry{}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Metric, &e.Value); err != nil {
			return nil, false, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return entries, len(entries) == pageSize, nil
}

// CheckOnlineStatus flips the online flag for devices whose last
// message is older than the staleness threshold (and back on for
// devices that have spoken since). It returns only the devices whose
// flag changed, so callers can avoid redundant broadcasts.
func (s *Store) CheckOnlineStatus(ctx context.Context) ([]View, error) {
	threshold := time.Now().UTC().Add(-onlineThreshold)

	changed := []View{}
	for _, q := range []string{
		`UPDATE ` + s.db.Schema + `.device SET online=false
WHERE online=true AND (last_message_time IS NULL OR last_message_time <= $1)
RETURNING tenant, name, online, last_message_time, first_seen, latest_values;`,
		`UPDATE ` + s.db.Schema + `.device SET online=true
WHERE online=false AND last_message_time > $1
RETURNING tenant, name, online, last_message_time, first_seen, latest_values;`,
	} {
		rows, err := s.db.QueryContext(ctx, q, threshold)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			view, err := scanView(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			changed = append(changed, view)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	s.mu.Lock()
	for _, view := range changed {
		s.cache[view.Name] = view
	}
	s.mu.Unlock()
	return changed, nil
}

// Device returns the cached view for one device.
func (s *Store) Device(name string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.cache[name]
	return view, ok
}

// Devices returns the cached views the given scope is authorized to see.
func (s *Store) Devices(scope access.Scope) map[string]View {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := map[string]View{}
	for name, view := range s.cache {
		if scope.CanAccess(view.Tenant) {
			result[name] = view
		}
	}
	return result
}

// Count returns the number of known devices.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}
