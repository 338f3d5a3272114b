/*Package hubsim provides an in-memory device registry with the REST interface of the IoT Hub service api

It is used by the tests and by the dmhubsim command. The simulator provides the following routes:

	GET   /twins/{device_id}
	PATCH /twins/{device_id}
	POST  /twins/{device_id}/methods
	PUT   /twins/{device_id}/reported

The last route is not part of the service api, it simulates a device reporting properties.

Every write gives the twin a new etag. A PATCH with an If-Match header that does not match the
current etag is rejected with 412 Precondition Failed; "*" matches any etag. Desired properties
are merged with JSON merge patch semantics: null deletes a property, objects are merged.

Direct methods are answered by handlers registered with HandleMethod, or by devices connected
to the MQTT gateway, see ServeMQTT. A device without any handler is considered offline and
answers with error code 404103 (DeviceNotOnline). A handler that does not answer within the
response timeout yields 504 Gateway Timeout.
*/
package hubsim

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmtools/core/logger"
	"github.com/relabs-tech/dmtools/iot/twin"
)

// MethodHandler simulates a device answering a direct method. It returns the
// device's status code and JSON payload.
type MethodHandler func(ctx context.Context, payload json.RawMessage) (int, json.RawMessage)

// maxPatches is the number of twin updates kept per device, older ones are dropped
const maxPatches = 100

// PatchRecord is a twin update the hub received
type PatchRecord struct {
	IfMatch string
	Body    json.RawMessage
}

type device struct {
	etag     string
	version  int64
	tags     map[string]interface{}
	desired  map[string]interface{}
	reported map[string]interface{}
	methods  map[string]MethodHandler
	patches  []PatchRecord
	lastSeen time.Time
}

// Hub is the simulated registry. It is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	devices map[string]*device
	router  *mux.Router
	gateway *Gateway
}

// New returns an empty hub
func New() *Hub {
	h := &Hub{
		devices: make(map[string]*device),
		router:  mux.NewRouter(),
	}
	h.handleRoutes(h.router)
	return h
}

// Router returns the router serving the hub's REST interface
func (h *Hub) Router() *mux.Router {
	return h.router
}

// AddDevice registers a device with the given tags. Adding an existing device resets its twin.
func (h *Hub) AddDevice(deviceID string, tags map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tags == nil {
		tags = map[string]interface{}{}
	}
	h.devices[deviceID] = &device{
		etag:     newETag(),
		version:  1,
		tags:     tags,
		desired:  map[string]interface{}{},
		reported: map[string]interface{}{},
		methods:  map[string]MethodHandler{},
	}
}

// SetETag overwrites the current etag of a device
func (h *Hub) SetETag(deviceID, etag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.devices[deviceID]; ok {
		d.etag = etag
	}
}

// HandleMethod registers a direct method handler, which also brings the device online
func (h *Hub) HandleMethod(deviceID, method string, handler MethodHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.devices[deviceID]; ok {
		d.methods[method] = handler
	}
}

// Report merges properties into the reported properties of a device, like a device would.
func (h *Hub) Report(deviceID string, properties map[string]interface{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return false
	}
	mergePatch(d.reported, properties)
	d.lastSeen = time.Now().UTC()
	d.touch()
	return true
}

// Twin returns a copy of the current twin of a device
func (h *Hub) Twin(deviceID string) (*twin.Twin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return nil, false
	}
	return d.twin(deviceID, h.connected(deviceID)), true
}

// connected must be called with h.mu held
func (h *Hub) connected(deviceID string) bool {
	return h.gateway != nil && h.gateway.online(deviceID)
}

// Patches returns the most recent twin updates a device received, at most 100, in order
func (h *Hub) Patches(deviceID string) []PatchRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return nil
	}
	return append([]PatchRecord(nil), d.patches...)
}

func newETag() string {
	return uuid.New().String()
}

func (d *device) touch() {
	d.etag = newETag()
	d.version++
}

func (d *device) record(patch PatchRecord) {
	if len(d.patches) >= maxPatches {
		d.patches = append(d.patches[:0], d.patches[len(d.patches)-maxPatches+1:]...)
	}
	d.patches = append(d.patches, patch)
}

func (d *device) twin(deviceID string, connected bool) *twin.Twin {
	t := &twin.Twin{
		DeviceID:        deviceID,
		ETag:            d.etag,
		Status:          "enabled",
		ConnectionState: "Disconnected",
		Version:         d.version,
		Tags:            deepCopy(d.tags),
		Properties: &twin.Properties{
			Desired:  deepCopy(d.desired),
			Reported: deepCopy(d.reported),
		},
	}
	if connected || len(d.methods) > 0 {
		t.ConnectionState = "Connected"
	}
	if !d.lastSeen.IsZero() {
		lastSeen := d.lastSeen
		t.LastActivityTime = &lastSeen
	}
	return t
}

// writeError writes an error in the format of the service api
func writeError(w http.ResponseWriter, status int, code interface{}, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errorCode": code,
		"message":   message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

func (h *Hub) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("hubsim: handle route /twins/{device_id} GET,PATCH")
	logger.Default().Debugln("hubsim: handle route /twins/{device_id}/methods POST")
	logger.Default().Debugln("hubsim: handle route /twins/{device_id}/reported PUT")

	logger.AddRequestID(router)

	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.Header.Get("Authorization"), "SharedAccessSignature ") {
				writeError(w, http.StatusUnauthorized, "IotHubUnauthorizedAccess", "missing shared access signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	router.HandleFunc("/twins/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		t, ok := h.Twin(deviceID)
		if !ok {
			writeError(w, http.StatusNotFound, "DeviceNotFound", "no such device "+deviceID)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}).Methods(http.MethodGet)

	router.HandleFunc("/twins/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		body, _ := io.ReadAll(r.Body)

		var patch struct {
			Tags       map[string]interface{} `json:"tags"`
			Properties struct {
				Desired map[string]interface{} `json:"desired"`
			} `json:"properties"`
		}
		if err := json.Unmarshal(body, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "ArgumentInvalid", "invalid json data")
			return
		}

		h.mu.Lock()
		d, ok := h.devices[deviceID]
		if !ok {
			h.mu.Unlock()
			writeError(w, http.StatusNotFound, "DeviceNotFound", "no such device "+deviceID)
			return
		}
		ifMatch := r.Header.Get("If-Match")
		d.record(PatchRecord{IfMatch: ifMatch, Body: body})
		if ifMatch != "" && ifMatch != "*" && strings.Trim(ifMatch, `"`) != d.etag {
			h.mu.Unlock()
			logger.FromContext(r.Context()).Infoln("hubsim: stale etag for", deviceID)
			writeError(w, http.StatusPreconditionFailed, "PreconditionFailed", "etag mismatch")
			return
		}
		mergePatch(d.tags, patch.Tags)
		mergePatch(d.desired, patch.Properties.Desired)
		d.touch()
		t := d.twin(deviceID, h.connected(deviceID))
		gateway := h.gateway
		h.mu.Unlock()

		if gateway != nil {
			gateway.notifyDesired(deviceID, patch.Properties.Desired, t.Version)
		}

		writeJSON(w, http.StatusOK, t)
	}).Methods(http.MethodPatch)

	router.HandleFunc("/twins/{device_id}/reported", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		var properties map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&properties); err != nil {
			writeError(w, http.StatusBadRequest, "ArgumentInvalid", "invalid json data")
			return
		}
		if !h.Report(deviceID, properties) {
			writeError(w, http.StatusNotFound, "DeviceNotFound", "no such device "+deviceID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc("/twins/{device_id}/methods", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		var call struct {
			MethodName               string          `json:"methodName"`
			Payload                  json.RawMessage `json:"payload"`
			ResponseTimeoutInSeconds int             `json:"responseTimeoutInSeconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil || call.MethodName == "" {
			writeError(w, http.StatusBadRequest, "ArgumentInvalid", "invalid method call")
			return
		}
		// method names become MQTT topic levels
		if strings.ContainsAny(call.MethodName, "/+#") {
			writeError(w, http.StatusBadRequest, "ArgumentInvalid", "invalid method name "+call.MethodName)
			return
		}

		h.mu.Lock()
		d, ok := h.devices[deviceID]
		var handler MethodHandler
		online := false
		if ok {
			handler = d.methods[call.MethodName]
			online = len(d.methods) > 0
			if handler == nil && h.connected(deviceID) {
				gateway := h.gateway
				handler = func(ctx context.Context, payload json.RawMessage) (int, json.RawMessage) {
					return gateway.invoke(ctx, deviceID, call.MethodName, payload)
				}
				online = true
			}
		}
		h.mu.Unlock()

		switch {
		case !ok:
			writeError(w, http.StatusNotFound, "DeviceNotFound", "no such device "+deviceID)
			return
		case !online:
			writeError(w, http.StatusNotFound, 404103, "Timed out waiting for device to connect.")
			return
		case handler == nil:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":  http.StatusNotImplemented,
				"payload": map[string]string{"message": "method not implemented: " + call.MethodName},
			})
			return
		}

		logger.FromContext(r.Context()).Debugf("hubsim: method %s on %s", call.MethodName, deviceID)
		timeout := time.Duration(call.ResponseTimeoutInSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		type answer struct {
			status  int
			payload json.RawMessage
		}
		done := make(chan answer, 1)
		go func() {
			status, payload := handler(ctx, call.Payload)
			done <- answer{status, payload}
		}()

		select {
		case a := <-done:
			payload := a.payload
			if len(payload) == 0 {
				payload = json.RawMessage("null")
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":  a.status,
				"payload": payload,
			})
		case <-ctx.Done():
			writeError(w, http.StatusGatewayTimeout, 504101, "Timed out waiting for the response from device.")
		}
	}).Methods(http.MethodPost)
}

// mergePatch applies patch to target with JSON merge patch semantics
func mergePatch(target, patch map[string]interface{}) {
	for k, v := range patch {
		if v == nil {
			delete(target, k)
			continue
		}
		if vm, ok := v.(map[string]interface{}); ok {
			if tm, ok := target[k].(map[string]interface{}); ok {
				mergePatch(tm, vm)
				continue
			}
			nm := map[string]interface{}{}
			mergePatch(nm, vm)
			target[k] = nm
			continue
		}
		target[k] = v
	}
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		if vm, ok := v.(map[string]interface{}); ok {
			c[k] = deepCopy(vm)
		} else {
			c[k] = v
		}
	}
	return c
}
