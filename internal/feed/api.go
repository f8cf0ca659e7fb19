package feed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/filter"
	"firestige.xyz/usbview/internal/session"
	"firestige.xyz/usbview/internal/sink"
	"firestige.xyz/usbview/internal/stats"
	"firestige.xyz/usbview/internal/store"
)

type packetsResponse struct {
	Total    uint64        `json:"total"`
	Retained int           `json:"retained"`
	Overflow uint64        `json:"overflow"`
	Version  uint64        `json:"version"`
	Packets  []sink.Record `json:"packets"`
}

type bucketJSON struct {
	StartUS int64                     `json:"start_us"`
	Packets uint64                    `json:"packets"`
	Bytes   uint64                    `json:"bytes"`
	ByType  map[string]stats.TypeCount `json:"by_type"`
}

type statsResponse struct {
	Version uint64                     `json:"version"`
	WidthUS int64                      `json:"width_us"`
	Packets uint64                     `json:"packets"`
	Bytes   uint64                     `json:"bytes"`
	ByType  map[string]stats.TypeCount `json:"by_type"`
	Buckets []bucketJSON               `json:"buckets"`
}

type storeState struct {
	Retained   int    `json:"retained"`
	Total      uint64 `json:"total"`
	Overflow   uint64 `json:"overflow"`
	MaxDisplay int    `json:"max_display"`
}

type stateResponse struct {
	Session string         `json:"session,omitempty"`
	Backend string         `json:"backend,omitempty"`
	State   session.State  `json:"state"`
	Reason  string         `json:"reason,omitempty"`
	Stats   *session.Stats `json:"stats,omitempty"`
	Store   storeState     `json:"store"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// parseSpec reads the exclude and addr parameters.
func parseSpec(q url.Values) (filter.Spec, error) {
	return filter.ParseSpec(q.Get("exclude"), q.Get("addr"))
}

// parseOffset accepts a duration ("1.5s") or a plain number of microseconds.
func parseOffset(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if us, err := strconv.ParseInt(s, 10, 64); err == nil {
		if us < 0 {
			return 0, fmt.Errorf("negative offset %q", s)
		}
		return time.Duration(us) * time.Microsecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative offset %q", s)
	}
	return d, nil
}

func (s *Server) parseRange(q url.Values) (store.Range, error) {
	var (
		r   store.Range
		err error
	)
	if r.From, err = parseOffset(q.Get("from")); err != nil {
		return r, err
	}
	if r.To, err = parseOffset(q.Get("to")); err != nil {
		return r, err
	}
	r.Limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		if r.Limit, err = strconv.Atoi(v); err != nil || r.Limit < 1 {
			return r, fmt.Errorf("invalid limit %q", v)
		}
	}
	r.Limit = min(r.Limit, s.cfg.MaxLimit)
	return r, nil
}

func parseFormat(q url.Values) (core.PayloadFormat, error) {
	if v := q.Get("format"); v != "" {
		return core.ParsePayloadFormat(v)
	}
	return core.FormatHex, nil
}

func (s *Server) handlePackets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	spec, err := parseSpec(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rng, err := s.parseRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	format, err := parseFormat(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := packetsResponse{
		Total:    s.store.Total(),
		Retained: s.store.Len(),
		Overflow: s.store.Overflow(),
		Version:  s.store.Version(),
		Packets:  make([]sink.Record, 0),
	}
	for p := range s.store.Query(spec, rng) {
		resp.Packets = append(resp.Packets, sink.NewRecord(p, format))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePacket(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid packet id %q", r.PathValue("id")))
		return
	}
	format, err := parseFormat(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("packet %d is not retained", id))
		return
	}
	writeJSON(w, http.StatusOK, sink.NewRecord(p, format))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	spec, err := parseSpec(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var width time.Duration
	if v := q.Get("bucket"); v != "" {
		if width, err = time.ParseDuration(v); err != nil || width <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid bucket %q", v))
			return
		}
	}

	snap := s.agg.SnapshotWidth(spec, width)
	resp := statsResponse{
		Version: snap.Version,
		WidthUS: snap.Width.Microseconds(),
		Packets: snap.Total.TotalPackets(),
		Bytes:   snap.Total.TotalBytes(),
		ByType:  snap.Total.ByType(),
		Buckets: make([]bucketJSON, 0, len(snap.Buckets)),
	}
	for _, b := range snap.Buckets {
		resp.Buckets = append(resp.Buckets, bucketJSON{
			StartUS: b.Start.Microseconds(),
			Packets: b.TotalPackets(),
			Bytes:   b.TotalBytes(),
			ByType:  b.ByType(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		State: session.StateIdle,
		Store: storeState{
			Retained:   s.store.Len(),
			Total:      s.store.Total(),
			Overflow:   s.store.Overflow(),
			MaxDisplay: s.store.MaxDisplay(),
		},
	}
	if sess := s.session(); sess != nil {
		state, reason := sess.State()
		st := sess.Stats()
		resp.Session = sess.ID()
		resp.Backend = sess.Backend()
		resp.State = state
		resp.Stats = &st
		if reason != nil {
			resp.Reason = reason.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
