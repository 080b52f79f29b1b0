package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type createTripReq struct {
	GroupID     int64     `json:"group_id"`
	TripName    string    `json:"trip_name"`
	Destination location  `json:"destination"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Timestamp   time.Time `json:"timestamp"`
}

type createTripResp struct {
	TripID string `json:"trip_id"`
}

type pointReq struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Client) CreateTrip(ctx context.Context, req backend.CreateTripRequest) (string, error) {
	body := createTripReq{
		GroupID:     req.EntityID,
		TripName:    req.TripName,
		Destination: location{Latitude: req.Destination.Latitude, Longitude: req.Destination.Longitude},
		Latitude:    req.Start.Latitude,
		Longitude:   req.Start.Longitude,
		Timestamp:   req.Start.Timestamp.UTC(),
	}
	key := backend.IdempotencyKey(strconv.FormatInt(req.EntityID, 10)+"/"+req.TripName, models.EventStart, req.Start.Timestamp)

	var resp createTripResp
	if err := c.do(ctx, http.MethodPost, "/trips", key, body, &resp); err != nil {
		return "", err
	}
	if resp.TripID == "" {
		return "", errors.New("backend returned empty trip_id")
	}
	return resp.TripID, nil
}

func (c *Client) UpdateTrip(ctx context.Context, tripID string, p models.TripPoint) error {
	key := backend.IdempotencyKey(tripID, models.EventUpdate, p.Timestamp)
	return c.do(ctx, http.MethodPost, "/trips/"+url.PathEscape(tripID)+"/updates", key, toPointReq(p), nil)
}

func (c *Client) FinishTrip(ctx context.Context, tripID string, p models.TripPoint) error {
	key := backend.IdempotencyKey(tripID, models.EventFinish, p.Timestamp)
	return c.do(ctx, http.MethodPost, "/trips/"+url.PathEscape(tripID)+"/finish", key, toPointReq(p), nil)
}

func (c *Client) GetActiveTrip(ctx context.Context, entityID int64) (backend.ActiveTrip, error) {
	var resp backend.ActiveTrip
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/groups/%d/active-trip", entityID), "", nil, &resp)
	if err != nil {
		return backend.ActiveTrip{}, err
	}
	if resp.TripName == "" && len(resp.Events) == 0 {
		return backend.ActiveTrip{}, backend.ErrNotFound
	}
	if resp.EntityID == 0 {
		resp.EntityID = entityID
	}
	return resp, nil
}

func toPointReq(p models.TripPoint) pointReq {
	return pointReq{Latitude: p.Latitude, Longitude: p.Longitude, Timestamp: p.Timestamp.UTC()}
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal")
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return backend.ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("backend %s %s: http %d", method, path, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}
