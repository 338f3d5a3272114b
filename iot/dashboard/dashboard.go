/*Package dashboard provides the REST interface of the device management client

The API provides the following routes:

	GET  /health
	GET  /devices/{device_id}/twin
	PUT  /devices/{device_id}/twin/desired/{property}
	POST /devices/{device_id}/methods/{method}

The twin route returns the device data snapshot of devicemgmt.Manager.GetDeviceData. The
desired route takes the raw JSON value of the property as body and answers with 204 No Content.
The methods route takes the method payload as body and returns {"status": int, "payload": string}.

Errors are returned as {"error": "<message>"} with a status code derived from the error category,
see iot.HTTPStatus.

If a JWT secret is configured, every route except /health requires an HS256 bearer token.
*/
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmtools/core/logger"
	"github.com/relabs-tech/dmtools/iot"
	"github.com/relabs-tech/dmtools/iot/devicemgmt"
	"github.com/relabs-tech/dmtools/iot/twin"
)

// API is the dashboard REST api
type API struct {
	manager   *devicemgmt.Manager
	router    *mux.Router
	jwtSecret []byte
}

// Builder is a builder helper for the API
type Builder struct {
	// Manager performs the device operations. Mandatory.
	Manager *devicemgmt.Manager
	// Router is the mux router the routes are added to. Mandatory.
	Router *mux.Router
	// JWTSecret enables HS256 bearer token authentication if not empty
	JWTSecret string
}

// NewAPI adds the dashboard routes to the router of the builder
func NewAPI(b *Builder) *API {
	if b.Manager == nil {
		panic("dashboard: manager missing")
	}
	if b.Router == nil {
		panic("dashboard: router missing")
	}
	api := &API{
		manager:   b.Manager,
		router:    b.Router,
		jwtSecret: []byte(b.JWTSecret),
	}
	logger.AddRequestID(api.router)
	api.handleRoutes()
	return api
}

// Handler returns the router wrapped with CORS and compression
func (a *API) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Accept", "Content-Type", "Authorization"}),
	)
	return cors(handlers.CompressHandler(a.router))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

// writeError renders err with the status code of its category
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := iot.HTTPStatus(err)
	rlog := logger.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		rlog.WithError(err).Errorln("request failed")
	} else {
		rlog.WithError(err).Infoln("request rejected")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *API) handleRoutes() {
	logger.Default().Debugln("dashboard: handle route /health GET")
	logger.Default().Debugln("dashboard: handle route /devices/{device_id}/twin GET")
	logger.Default().Debugln("dashboard: handle route /devices/{device_id}/twin/desired/{property} PUT")
	logger.Default().Debugln("dashboard: handle route /devices/{device_id}/methods/{method} POST")

	a.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	devices := a.router.PathPrefix("/devices").Subrouter()
	if len(a.jwtSecret) > 0 {
		devices.Use(a.jwtMiddleware)
	}

	devices.HandleFunc("/{device_id}/twin", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		snapshot, err := a.manager.GetDeviceData(r.Context(), deviceID)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotResponse(snapshot))
	}).Methods(http.MethodGet)

	devices.HandleFunc("/{device_id}/twin/desired/{property}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(r.Context(), w, fmt.Errorf("cannot read body: %v: %w", err, iot.ErrMalformedRequest))
			return
		}
		err = a.manager.UpdateDesiredProperty(r.Context(), params["device_id"], params["property"], json.RawMessage(body))
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	devices.HandleFunc("/{device_id}/methods/{method}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(r.Context(), w, fmt.Errorf("cannot read body: %v: %w", err, iot.ErrMalformedRequest))
			return
		}
		value, err := a.manager.InvokeDirectMethod(r.Context(), params["device_id"], params["method"], string(body))
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, value)
	}).Methods(http.MethodPost)
}

// snapshot views are JSON already, they are embedded as objects
type deviceData struct {
	Device   json.RawMessage `json:"device"`
	Tags     json.RawMessage `json:"tags"`
	Reported json.RawMessage `json:"reported"`
	Desired  json.RawMessage `json:"desired"`
}

func snapshotResponse(s twin.Snapshot) deviceData {
	return deviceData{
		Device:   rawOrEmpty(s.Device),
		Tags:     rawOrEmpty(s.Tags),
		Reported: rawOrEmpty(s.Reported),
		Desired:  rawOrEmpty(s.Desired),
	}
}

func rawOrEmpty(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

// jwtMiddleware accepts HS256 tokens signed with the configured secret as
// "Authorization: Bearer" header
func (a *API) jwtMiddleware(h http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method " + token.Method.Alg())
		}
		return a.jwtSecret, nil
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())

		bearer := r.Header.Get("Authorization")
		if len(bearer) < 8 || strings.ToLower(bearer[:7]) != "bearer " {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "bearer token missing"})
			return
		}
		tokenString := bearer[7:]

		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
		if err != nil || !token.Valid {
			rlog.WithError(err).Infoln("invalid bearer token")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid bearer token"})
			return
		}
		rlog.WithField("subject", claims.Subject).Debugln("authorized")
		h.ServeHTTP(w, r)
	})
}
