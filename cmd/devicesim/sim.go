package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/devicesrv/frame"
)

// walker moves a point along a circle around its start.
type walker struct {
	lat, lon float64
	radius   float64
	step     int
}

func (w *walker) next() (float64, float64) {
	a := float64(w.step) * math.Pi / 36
	w.step++
	return w.lat + w.radius*math.Sin(a), w.lon + w.radius*math.Cos(a)
}

type sim struct {
	deviceId string
	key      string
	interval time.Duration
	count    int
	walk     *walker
	log      log.Logger
}

func ack(rw io.Reader, msg *frame.Message) (frame.AckMessage, error) {
	var a frame.AckMessage
	if err := frame.ReadMessage(rw, msg); err != nil {
		return a, err
	}
	if msg.Protocol != frame.ACK {
		return a, fmt.Errorf("unexpected protocol %#x", msg.Protocol)
	}
	err := json.Unmarshal(msg.Payload, &a)
	return a, err
}

// run logs in and reports count locations, or until ctx is done when
// count is zero. It returns how many reports were acknowledged.
func (s *sim) run(ctx context.Context, rw io.ReadWriter) (int, error) {
	msg := frame.NewMessage(512)
	err := frame.WriteMessage(rw, frame.LOGIN, frame.LoginMessage{DeviceId: s.deviceId, Key: s.key, DeviceType: "devicesim"})
	if err != nil {
		return 0, err
	}
	a, err := ack(rw, msg)
	if err != nil {
		return 0, err
	}
	if a.Status != 0 {
		return 0, fmt.Errorf("login rejected: %s", a.Message)
	}
	s.log.Info().Str("device", s.deviceId).Msg("logged in")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	acked := 0
	for i := 0; s.count == 0 || i < s.count; i++ {
		lat, lon := s.walk.next()
		err = frame.WriteMessage(rw, frame.LOCATION_UPDATE, frame.LocationMessage{GpsTime: time.Now().UTC(), Latitude: lat, Longitude: lon})
		if err != nil {
			return acked, err
		}
		a, err = ack(rw, msg)
		if err != nil {
			return acked, err
		}
		if a.Status == 0 {
			acked++
		} else {
			s.log.Warn().Str("message", a.Message).Msg("location rejected")
		}
		s.log.Debug().Float64("lat", lat).Float64("lon", lon).Int("status", a.Status).Msg("reported")
		if s.count != 0 && i == s.count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return acked, nil
		case <-ticker.C:
		}
	}
	return acked, nil
}
