package trips_api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/broker/messages"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/loader"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/registry"
)

const (
	maxPushBytes = 64 << 10
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

type Loader interface {
	LoadActiveTrip(ctx context.Context, entityID int64) loader.Result
}

type Dispatcher interface {
	Dispatch(ctx context.Context, payload []byte) (registry.Outcome, error)
}

type Observer interface {
	Observe(entityID int64) (*registry.Controller, func())
}

// TripsAPI is the observer's HTTP surface: trip lookup, the push webhook
// and a websocket stream of trip snapshots and alerts.
type TripsAPI struct {
	loader   Loader
	disp     Dispatcher
	observer Observer
	upgrader websocket.Upgrader
}

func New(l Loader, d Dispatcher, o Observer) *TripsAPI {
	return &TripsAPI{
		loader:   l,
		disp:     d,
		observer: o,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (a *TripsAPI) Routes(r chi.Router) {
	r.Get("/v1/entities/{entityID}/trip", a.getTrip)
	r.Get("/v1/entities/{entityID}/stream", a.stream)
	r.Post("/v1/push", a.push)
}

type TripResponse struct {
	EntityID int64                 `json:"entity_id"`
	Found    bool                  `json:"found"`
	Tier     loader.Tier           `json:"tier"`
	Trip     *models.TripViewState `json:"trip,omitempty"`
}

func toTripResponse(entityID int64, res loader.Result) TripResponse {
	out := TripResponse{EntityID: entityID, Found: res.Found, Tier: res.Tier}
	if res.Found {
		v := res.View
		out.Trip = &v
	}
	return out
}

func (a *TripsAPI) getTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := entityIDParam(w, r)
	if !ok {
		return
	}
	res := a.loader.LoadActiveTrip(r.Context(), id)
	writeJSON(w, http.StatusOK, toTripResponse(id, res))
}

func (a *TripsAPI) push(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	out, err := a.disp.Dispatch(r.Context(), body)
	if err != nil {
		if errors.Is(err, messages.ErrMalformedPush) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"outcome": string(out)})
}

type StreamMessage struct {
	Type     registry.EventKind    `json:"type"`
	EntityID int64                 `json:"entity_id"`
	Trip     *models.TripViewState `json:"trip,omitempty"`
	Alert    *AlertMessage         `json:"alert,omitempty"`
}

type AlertMessage struct {
	Target          string  `json:"target"`
	ThresholdMeters float64 `json:"threshold_meters"`
	DistanceMeters  float64 `json:"distance_meters"`
	Reached         bool    `json:"reached"`
	TripName        string  `json:"trip_name"`
}

func toStreamMessage(ev registry.Event) StreamMessage {
	m := StreamMessage{Type: ev.Kind, EntityID: ev.EntityID}
	switch ev.Kind {
	case registry.EventTrip:
		v := ev.Trip
		m.Trip = &v
	case registry.EventAlert:
		if ev.Alert != nil {
			m.Alert = &AlertMessage{
				Target:          ev.Alert.Target,
				ThresholdMeters: ev.Alert.Threshold,
				DistanceMeters:  ev.Alert.Distance,
				Reached:         ev.Alert.Reached,
				TripName:        ev.Alert.TripName,
			}
		}
	}
	return m
}

// stream keeps the entity observed for as long as the socket is open.
func (a *TripsAPI) stream(w http.ResponseWriter, r *http.Request) {
	id, ok := entityIDParam(w, r)
	if !ok {
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade", "entity_id", id, "error", err.Error())
		return
	}
	defer conn.Close()

	c, release := a.observer.Observe(id)
	defer release()

	res := a.loader.LoadActiveTrip(r.Context(), id)
	view, events, cancel := c.Watch()
	defer cancel()

	first := StreamMessage{Type: registry.EventTrip, EntityID: id}
	switch {
	case !view.IsZero():
		first.Trip = &view
	case res.Found:
		v := res.View
		first.Trip = &v
	}
	if err := writeMessage(conn, first); err != nil {
		return
	}

	closed := make(chan struct{})
	go readPump(conn, closed)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	slog.Info("stream opened", "entity_id", id)
	defer slog.Info("stream closed", "entity_id", id)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeMessage(conn, toStreamMessage(ev)); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are handled.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, m StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}

func entityIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "entityID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("entity id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
